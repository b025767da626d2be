package item

import (
	"testing"
	"time"
)

func TestRevisionMatches(t *testing.T) {
	rev := Revision{Owner: "acme", Repo: "api", SHA: "0123456789", Branch: "main", PullRequest: 7}
	tests := []struct {
		name   string
		needle Revision
		want   bool
	}{
		{"exact", rev, true},
		{"owner and repo", Revision{Owner: "acme", Repo: "api"}, true},
		{"sha only", Revision{SHA: "0123456789"}, true},
		{"zero needle", Revision{}, true},
		{"other repo", Revision{Owner: "acme", Repo: "web"}, false},
		{"other pr", Revision{Owner: "acme", PullRequest: 8}, false},
	}
	for _, tt := range tests {
		if got := rev.Matches(tt.needle); got != tt.want {
			t.Fatalf("%s: Matches = %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestRevisionValidateAndString(t *testing.T) {
	if err := (Revision{Owner: "acme", Repo: "api"}).Validate(); err == nil {
		t.Fatalf("missing sha should fail validation")
	}
	rev := Revision{Owner: "acme", Repo: "api", SHA: "0123456789abcdef"}
	if err := rev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rev.String() != "acme/api@0123456" {
		t.Fatalf("String = %q", rev.String())
	}
}

func TestExpired(t *testing.T) {
	now := time.UnixMilli(10_000)
	timeout := 2 * time.Second

	if !(Item{}).Expired(now, timeout) {
		t.Fatalf("absent lease must count as expired")
	}
	live := Item{LeaseHolder: "w1", LeaseTimestamp: 9_000}
	if live.Expired(now, timeout) {
		t.Fatalf("lease 1s old should be live")
	}
	edge := Item{LeaseHolder: "w1", LeaseTimestamp: 8_000}
	if edge.Expired(now, timeout) {
		t.Fatalf("lease exactly at timeout is still live")
	}
	old := Item{LeaseHolder: "w1", LeaseTimestamp: 7_999}
	if !old.Expired(now, timeout) {
		t.Fatalf("lease past timeout must be expired")
	}
}

func TestClaimSetsLeaseFields(t *testing.T) {
	now := time.UnixMilli(5_000)
	it := New("k1", Revision{Owner: "a", Repo: "b", SHA: "c"}).Claim("w1", now)
	if it.LeaseHolder != "w1" || it.LeaseTimestamp != 5_000 || it.OrderingKey != -5_000 {
		t.Fatalf("unexpected claim: %+v", it)
	}
	if !it.LeasedAt().Equal(now) {
		t.Fatalf("LeasedAt = %v", it.LeasedAt())
	}
}

func TestMarshalOmitsStoreKey(t *testing.T) {
	it := New("k1", Revision{Owner: "a", Repo: "b", SHA: "c"}).Claim("w1", time.UnixMilli(42))
	b, err := it.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal("k2", b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.StoreKey != "k2" {
		t.Fatalf("store key comes from the record key, got %q", got.StoreKey)
	}
	got.StoreKey = it.StoreKey
	if got != it {
		t.Fatalf("got %+v want %+v", got, it)
	}
	if _, err := Unmarshal("k3", []byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSnapshotNaturalOrder(t *testing.T) {
	rev := Revision{Owner: "a", Repo: "b", SHA: "c"}
	s := NewSnapshot([]Item{
		New("k3", rev).Claim("w", time.UnixMilli(300)),
		New("k2", rev),
		New("k4", rev).Claim("w", time.UnixMilli(100)),
		New("k1", rev),
		New("k5", rev).Claim("w", time.UnixMilli(100)),
	})
	want := []string{"k1", "k2", "k4", "k5", "k3"}
	for i, k := range want {
		if s.At(i).StoreKey != k {
			t.Fatalf("position %d = %s want %s", i, s.At(i).StoreKey, k)
		}
	}
}

func TestSnapshotWithWithout(t *testing.T) {
	rev := Revision{Owner: "a", Repo: "b", SHA: "c"}
	s := NewSnapshot([]Item{New("k1", rev), New("k2", rev)})

	claimed := New("k1", rev).Claim("w", time.UnixMilli(1))
	s2 := s.With(claimed)
	if s2.At(1) != claimed {
		t.Fatalf("claimed item should sort last: %+v", s2.Items())
	}
	if got, _ := s.Get("k1"); got.Leased() {
		t.Fatalf("With must not mutate the receiver")
	}

	s3 := s2.Without("k1")
	if s3.Len() != 1 || s3.At(0).StoreKey != "k2" {
		t.Fatalf("Without: %+v", s3.Items())
	}
	if s2.Len() != 2 {
		t.Fatalf("Without must not mutate the receiver")
	}
	if !s.Equal(s.Clone()) || s.Equal(s2) {
		t.Fatalf("Equal mismatch")
	}
	if n := len(s2.Matching(Revision{Owner: "a"})); n != 2 {
		t.Fatalf("Matching = %d", n)
	}
}
