package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultCheckDigestsMismatch(t *testing.T) {
	r := &Result{Name: "t"}
	want := map[string]string{"/a.txt": "aaaa", "/b.txt": "bbbb"}
	got := map[string]string{"/a.txt": "aaaa", "/b.txt": "ffff"}
	r.checkDigests(want, got)
	r.finish()
	assert.False(t, r.Passed)
	assert.Len(t, r.Failures, 1)
}

func TestResultCheckDigestsMissing(t *testing.T) {
	r := &Result{Name: "t"}
	r.checkDigests(map[string]string{"/a.txt": "aaaa"}, map[string]string{})
	r.finish()
	assert.False(t, r.Passed)
}

func TestResultCheckDigestsAllMatch(t *testing.T) {
	r := &Result{Name: "t"}
	want := map[string]string{"/a.txt": "aaaa"}
	got := map[string]string{"/a.txt": "aaaa", "/extra.txt": "zzzz"} // extra dest files are fine
	r.checkDigests(want, got)
	r.finish()
	assert.True(t, r.Passed, "%v", r.Failures)
}

func TestResultCheckStrings(t *testing.T) {
	r := &Result{Name: "t"}
	r.checkStrings("filtered", []string{"/secret.txt"}, []string{"/a.txt"})
	r.finish()
	assert.False(t, r.Passed)
}

func TestResultCheckStatus(t *testing.T) {
	r := &Result{Name: "t"}
	r.checkStatus("", "anything")
	r.finish()
	assert.True(t, r.Passed, "empty want should never fail")

	r2 := &Result{Name: "t2"}
	r2.checkStatus("done", "transfer done")
	r2.finish()
	assert.True(t, r2.Passed, "%v", r2.Failures)

	r3 := &Result{Name: "t3"}
	r3.checkStatus("done", "still running")
	r3.finish()
	assert.False(t, r3.Passed)
}

func TestSummary(t *testing.T) {
	results := []*Result{
		{Name: "ok", Passed: true},
		{Name: "bad", Passed: false, Failures: []string{"something broke"}},
	}
	out := Summary(results)
	assert.Contains(t, out, "1/2 scenarios passed")
	assert.Contains(t, out, "something broke")
	assert.Contains(t, out, "PASS ok")
	assert.Contains(t, out, "FAIL bad")
}
