package usbtmc

import (
	"encoding/binary"
	"testing"
)

func TestParseAddr(t *testing.T) {
	vid, pid, err := ParseAddr("usb:0957:0407")
	if err != nil {
		t.Fatal(err)
	}
	if vid != 0x0957 || pid != 0x0407 {
		t.Errorf("expected 0957:0407, got %04x:%04x", vid, pid)
	}
	if _, _, err := ParseAddr("/dev/ttyUSB0"); err == nil {
		t.Error("expected a serial path to be rejected")
	}
	if IsAddr("192.168.1.5:5025") {
		t.Error("a TCP address is not a USB address")
	}
}

func TestBulkOutHeader(t *testing.T) {
	gen := newBTagGen()
	hdr := encBulkOutHeader(gen, 13)
	if hdr[0] != 0x01 {
		t.Errorf("expected DEV_DEP_MSG_OUT, got %#x", hdr[0])
	}
	if hdr[2] != invbTag(hdr[1]) {
		t.Error("bTag inverse does not match bTag")
	}
	if size := binary.LittleEndian.Uint32(hdr[4:8]); size != 13 {
		t.Errorf("expected transfer size 13, got %d", size)
	}
	if hdr[8] != 0x01 {
		t.Error("expected end of message bit set")
	}
}

func TestBulkInHeaderTerminator(t *testing.T) {
	gen := newBTagGen()
	term := byte('\n')
	hdr := encBulkInHeader(gen, 1500, &term)
	if hdr[0] != 0x02 || hdr[8] != 0x02 || hdr[9] != '\n' {
		t.Errorf("unexpected header %v", hdr)
	}
	hdr = encBulkInHeader(gen, 1500, nil)
	if hdr[8] != 0 || hdr[9] != 0 {
		t.Errorf("expected no terminator, got %v", hdr)
	}
}

func TestBTagNeverZero(t *testing.T) {
	gen := newBTagGen()
	for i := 0; i < 600; i++ {
		if gen.nextbTag() == 0 {
			t.Fatal("bTag wrapped to zero")
		}
	}
}
