package elo

import "testing"

func TestExpectedScoreEvenMatch(t *testing.T) {
	c := NewCalculator()
	e := c.ExpectedScore(1500, 1500)
	if e < 0.49 || e > 0.51 {
		t.Fatalf("expected ~0.5 for even ratings, got %f", e)
	}
}

func TestNewRatingWinGain(t *testing.T) {
	c := NewCalculator()
	winner := c.NewRating(1500, 1500, Win)
	if winner != 1516 {
		t.Fatalf("expected winner to gain 16 from an even match, got %d", winner)
	}
}

func TestNewRatingLossSymmetric(t *testing.T) {
	c := NewCalculator()
	loser := c.NewRating(1500, 1500, Loss)
	if loser != 1484 {
		t.Fatalf("expected loser to drop 16 from an even match, got %d", loser)
	}
}

func TestUnderdogWinGainsMore(t *testing.T) {
	c := NewCalculator()
	underdog := c.RatingChange(1400, 1600, Win)
	favorite := c.RatingChange(1600, 1400, Win)
	if underdog <= favorite {
		t.Fatalf("expected underdog's win to gain more than favorite's win: underdog=%d favorite=%d", underdog, favorite)
	}
}
