package safety

import (
	"testing"

	"go.viam.com/test"
)

func TestOverrideSet(t *testing.T) {
	s := NewSupervisor()

	test.That(t, s.Overridden(19), test.ShouldBeFalse)
	s.Override(19)
	test.That(t, s.Overridden(19), test.ShouldBeTrue)

	s.Override(4)
	test.That(t, s.OverriddenPins(), test.ShouldResemble, []int{4, 19})

	s.ClearOverride(19)
	test.That(t, s.Overridden(19), test.ShouldBeFalse)
	test.That(t, s.OverriddenPins(), test.ShouldResemble, []int{4})

	s.OverrideAll([]int{17, 18})
	test.That(t, s.OverriddenPins(), test.ShouldResemble, []int{4, 17, 18})
}

func TestEstopGuard(t *testing.T) {
	s := NewSupervisor()

	test.That(t, s.EstopInProgress(), test.ShouldBeFalse)
	test.That(t, s.BeginEstop(), test.ShouldBeTrue)
	test.That(t, s.BeginEstop(), test.ShouldBeFalse)
	test.That(t, s.EstopInProgress(), test.ShouldBeTrue)

	s.EndEstop()
	test.That(t, s.EstopInProgress(), test.ShouldBeFalse)
	test.That(t, s.BeginEstop(), test.ShouldBeTrue)
}
