package dpinfo

import "testing"

func TestAnyFamilyHasPrefix(t *testing.T) {
	families := []Family{
		{Name: "ovs_datapath"},
		{Name: "nlctrl"},
		{Name: "netdev"},
	}

	if !anyFamilyHasPrefix(families, "netdev") {
		t.Error("expected a match for prefix \"netdev\"")
	}
	if anyFamilyHasPrefix(families, "xdp_offload") {
		t.Error("did not expect a match for prefix \"xdp_offload\"")
	}
}
