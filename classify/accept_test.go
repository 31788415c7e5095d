package classify

import "testing"

func TestAcceptListSeeded(t *testing.T) {
	a := NewAcceptList([]string{"weird*name"})
	accepted, known := a.Lookup("weird*name")
	if !known || !accepted {
		t.Errorf("Lookup(seeded name) = (%v, %v), want (true, true)", accepted, known)
	}

	_, known = a.Lookup("never mentioned")
	if known {
		t.Errorf("Lookup(unknown name) known = true, want false")
	}
}

func TestAcceptListRemember(t *testing.T) {
	a := NewAcceptList(nil)
	a.Remember("bad;name", false)
	accepted, known := a.Lookup("bad;name")
	if !known || accepted {
		t.Errorf("Lookup() after Remember(false) = (%v, %v), want (false, true)", accepted, known)
	}
}
