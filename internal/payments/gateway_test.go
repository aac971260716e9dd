package payments

import (
	"context"
	"testing"
)

func TestMinorUnits(t *testing.T) {
	cases := map[float64]int64{1100: 110000, 0.1 + 0.2: 30, 19.999: 2000}
	for in, want := range cases {
		if got := MinorUnits(in); got != want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestOfflineGateway(t *testing.T) {
	var g Gateway = OfflineGateway{}
	ref, err := g.Hold(context.Background(), 100, "usd", "p1")
	if err != nil || ref != "offline_p1" {
		t.Fatalf("unexpected hold ref=%q err=%v", ref, err)
	}
	if err := g.Capture(context.Background(), ref); err != nil {
		t.Fatalf("capture: %v", err)
	}
}
