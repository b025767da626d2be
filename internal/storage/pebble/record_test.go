package pebblestore

import (
	"errors"
	"testing"
)

func TestRecordRoundtrip(t *testing.T) {
	h := []byte("h")
	p := []byte("payload")
	gotH, gotP, err := DecodeRecord(EncodeRecord(h, p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(gotH) != string(h) || string(gotP) != string(p) {
		t.Fatalf("mismatch")
	}
}

func TestRecordCRCFail(t *testing.T) {
	enc := EncodeRecord([]byte("a"), []byte("b"))
	enc[len(enc)-1] ^= 0xFF
	if _, _, err := DecodeRecord(enc); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected crc fail, got %v", err)
	}
}

func TestRecordTruncated(t *testing.T) {
	enc := EncodeRecord([]byte("header"), nil)
	if _, _, err := DecodeRecord(enc[:6]); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected short record error, got %v", err)
	}
	enc[3] = 0xF0 // header length beyond record
	if _, _, err := DecodeRecord(enc); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected bad length error, got %v", err)
	}
}
