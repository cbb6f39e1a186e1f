package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestL2SnapshotBestBidAsk(t *testing.T) {
	snap := NewL2Snapshot(1)
	snap.Bids["100"] = PriceLevel{Price: dec("100"), Quantity: dec("1")}
	snap.Bids["99"] = PriceLevel{Price: dec("99"), Quantity: dec("2")}
	snap.Asks["101"] = PriceLevel{Price: dec("101"), Quantity: dec("1")}
	snap.Asks["105"] = PriceLevel{Price: dec("105"), Quantity: dec("1")}

	bid, ok := snap.BestBid()
	if !ok || !bid.Price.Equal(dec("100")) {
		t.Fatalf("expected best bid 100, got %v ok=%v", bid.Price, ok)
	}

	ask, ok := snap.BestAsk()
	if !ok || !ask.Price.Equal(dec("101")) {
		t.Fatalf("expected best ask 101, got %v ok=%v", ask.Price, ok)
	}
}

func TestL2SnapshotBestBidAskEmpty(t *testing.T) {
	snap := NewL2Snapshot(1)
	if _, ok := snap.BestBid(); ok {
		t.Fatal("expected no best bid on empty snapshot")
	}
	if _, ok := snap.BestAsk(); ok {
		t.Fatal("expected no best ask on empty snapshot")
	}
}

func TestL2SnapshotClone(t *testing.T) {
	snap := NewL2Snapshot(1)
	snap.Bids["100"] = PriceLevel{Price: dec("100"), Quantity: dec("1")}

	clone := snap.Clone()
	clone.Bids["100"] = PriceLevel{Price: dec("100"), Quantity: dec("99")}

	if snap.Bids["100"].Quantity.Equal(dec("99")) {
		t.Fatal("mutating clone must not affect original")
	}
}

func TestSideOpposite(t *testing.T) {
	if Bid.Opposite() != Ask {
		t.Fatalf("expected Ask, got %s", Bid.Opposite())
	}
	if Ask.Opposite() != Bid {
		t.Fatalf("expected Bid, got %s", Ask.Opposite())
	}
}

func TestAgentAccountOwnBalances(t *testing.T) {
	acc := AgentAccount{
		BaseBalance:     Balance{Total: dec("100")},
		BaseLoan:        dec("20"),
		BaseCollateral:  dec("5"),
		QuoteBalance:    Balance{Total: dec("1000")},
		QuoteLoan:       dec("100"),
		QuoteCollateral: dec("0"),
	}

	if !acc.OwnBase().Equal(dec("85")) {
		t.Fatalf("expected own base 85, got %v", acc.OwnBase())
	}
	if !acc.OwnQuote().Equal(dec("900")) {
		t.Fatalf("expected own quote 900, got %v", acc.OwnQuote())
	}
}
