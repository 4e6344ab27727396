package tundevice

import "testing"

func TestOpenRejectsEmptyName(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Fatal("expected error for empty interface name")
	}
}
