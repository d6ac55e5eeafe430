package utils

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestIsFinite(t *testing.T) {
	test.That(t, IsFinite(0), test.ShouldBeTrue)
	test.That(t, IsFinite(-1e300), test.ShouldBeTrue)
	test.That(t, IsFinite(math.NaN()), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(1)), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(-1)), test.ShouldBeFalse)
}
