package mathx_test

import (
	"fmt"
	"testing"

	"github.com/mppcqc/benchlab/mathx"
)

func ExampleRound() {
	fmt.Println(mathx.Round(76.4949, 0.01), mathx.Round(-2.345, 0.1))
	// Output: 76.49 -2.3
}

func TestRoundNegativeHalfAwayFromZero(t *testing.T) {
	got := mathx.Round(-0.5, 1)
	if got != -1 {
		t.Errorf("expected -1, got %v", got)
	}
}

func TestClose(t *testing.T) {
	if !mathx.Close(76.5, 76.49+0.01, 0.001) {
		t.Error("76.5 and 76.49+0.01 should be close")
	}
	if mathx.Close(76.5, 76.48, 0.01) {
		t.Error("76.5 and 76.48 should not be close at 0.01 tolerance")
	}
}
