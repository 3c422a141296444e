package vmm

import (
	"galaxyos/kernel/mm"
	"testing"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 62)
	)

	if !pte.IsUnused() {
		t.Fatal("expected zero entry to be unused")
	}

	pte.Set(mm.Frame(0), flag1|flag2)

	if pte.IsUnused() {
		t.Fatal("expected entry with flags to be in use")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected pte.HasFlags(%d) to return true", flag1|flag2)
	}

	if pte.HasFlags(flag1 | FlagPresent) {
		t.Fatal("expected pte.HasFlags to return false when a flag is missing")
	}

	pte.SetUnused()
	if !pte.IsUnused() || pte != 0 {
		t.Fatal("expected SetUnused to clear the entry")
	}
}

func TestPageTableEntrySet(t *testing.T) {
	specs := []struct {
		frame mm.Frame
		flags PageTableEntryFlag
	}{
		{mm.Frame(5), FlagPresent | FlagRW},
		{mm.Frame(0xb8), FlagPresent | FlagRW | FlagNoExecute},
		{mm.Frame(0xfffffffff), FlagPresent | FlagGlobal},
		{mm.Frame(123), FlagPresent | FlagUserAccessible | FlagWriteThroughCaching | FlagDoNotCache},
	}

	for specIndex, spec := range specs {
		var pte pageTableEntry
		pte.Set(spec.frame, spec.flags)

		if got := pte.Flags(); got != spec.flags {
			t.Errorf("[spec %d] expected flags 0x%x; got 0x%x", specIndex, spec.flags, got)
		}

		if got := pte.PointedFrame(); got != spec.frame {
			t.Errorf("[spec %d] expected pointed frame 0x%x; got 0x%x", specIndex, spec.frame, got)
		}
	}
}

func TestPageTableEntryPointedFrameNotPresent(t *testing.T) {
	var pte pageTableEntry
	pte.Set(mm.Frame(42), FlagRW)

	if got := pte.PointedFrame(); got != mm.InvalidFrame {
		t.Fatalf("expected a non-present entry to point to InvalidFrame; got 0x%x", got)
	}
}

func TestPageTableEntrySetWithUnencodableFrame(t *testing.T) {
	specs := []mm.Frame{
		mm.InvalidFrame,
		mm.Frame(1 << 40),
		mm.Frame(1 << 52),
	}

	for _, frame := range specs {
		var pte pageTableEntry
		expectPanic(t, errFrameNotEncodable, func() {
			pte.Set(frame, FlagPresent)
		})
	}
}
