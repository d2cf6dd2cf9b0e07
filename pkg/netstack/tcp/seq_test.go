package tcp

import "testing"

func TestSeqLess(t *testing.T) {
	if !seqLess(100, 200) {
		t.Error("100 should be less than 200")
	}
	if seqLess(200, 100) {
		t.Error("200 should not be less than 100")
	}
	if !seqLess(0xffffffff-10, 10) {
		t.Error("wrap-around case failed")
	}
	if !seqLessOrEqual(7, 7) {
		t.Error("7 should be <= 7")
	}
}
