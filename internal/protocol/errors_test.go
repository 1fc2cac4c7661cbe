package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrGridNotFound,
		ErrGridConfig,
		ErrEngineBusy,
		ErrStale,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestNewError(t *testing.T) {
	m := NewError(ErrGridNotFound, "grid g9")
	if m.Type != TypeError || m.ProtocolVersion != Version || m.Code != ErrGridNotFound {
		t.Fatalf("unexpected error msg: %+v", m)
	}
}
