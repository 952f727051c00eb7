package zone

import (
	"net"
	"testing"
)

func TestACLMatchByNetwork(t *testing.T) {
	acl, err := newACL([]ACLEntryConf{
		{Address: "192.0.2.0", Prefix: 24, TsigKey: "key1"},
	})
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}

	if _, ok := acl.Match(net.ParseIP("192.0.2.17"), 53); !ok {
		t.Fatalf("expected address inside 192.0.2.0/24 to match")
	}
	if _, ok := acl.Match(net.ParseIP("198.51.100.1"), 53); ok {
		t.Fatalf("expected address outside the network to not match")
	}
}

func TestACLMatchByPort(t *testing.T) {
	acl, err := newACL([]ACLEntryConf{
		{Address: "192.0.2.1", Prefix: 32, Port: 53},
	})
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}
	if _, ok := acl.Match(net.ParseIP("192.0.2.1"), 5353); ok {
		t.Fatalf("expected port mismatch to not match")
	}
	if _, ok := acl.Match(net.ParseIP("192.0.2.1"), 53); !ok {
		t.Fatalf("expected matching port to match")
	}
}

func TestEmptyACLDeniesEverything(t *testing.T) {
	var acl ACL
	if _, ok := acl.Match(net.ParseIP("192.0.2.1"), 53); ok {
		t.Fatalf("expected empty ACL to deny")
	}
}

func TestACLReturnsFirstMatch(t *testing.T) {
	acl, err := newACL([]ACLEntryConf{
		{Address: "192.0.2.0", Prefix: 24, TsigKey: "first"},
		{Address: "192.0.2.17", Prefix: 32, TsigKey: "second"},
	})
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}
	entry, ok := acl.Match(net.ParseIP("192.0.2.17"), 53)
	if !ok {
		t.Fatalf("expected match")
	}
	if entry.TsigKey != "first" {
		t.Fatalf("expected first matching entry to win, got %q", entry.TsigKey)
	}
}

func TestNewACLRejectsBadAddress(t *testing.T) {
	_, err := newACL([]ACLEntryConf{{Address: "not-an-ip"}})
	if err == nil {
		t.Fatalf("expected error for invalid address")
	}
}
