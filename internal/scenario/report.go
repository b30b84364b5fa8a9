package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// Result is one scenario's outcome, grounded on rclone's fstest/test_all
// Report (here flattened to a single pass/fail summary per run rather
// than an HTML report, since a scenario suite has no per-backend matrix
// to cross-tabulate).
type Result struct {
	Name     string
	Passed   bool
	Failures []string
}

// checkDigests compares got against want, appending one failure line per
// mismatch or miss to r.Failures.
func (r *Result) checkDigests(want, got map[string]string) {
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		gotDigest, ok := got[name]
		if !ok {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: missing from destination", name))
			continue
		}
		if gotDigest != want[name] {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: digest mismatch: want %s got %s", name, want[name], gotDigest))
		}
	}
}

// checkStrings confirms every entry of want appears somewhere in got,
// used for Expect.Filtered/Expect.Rejected against a TransferReport's own
// Filtered/Dirty lists.
func (r *Result) checkStrings(label string, want, got []string) {
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, w := range want {
		if !set[w] {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: %s not found (got %v)", label, w, got))
		}
	}
}

// checkStatus confirms report's Status field contains want, if want is set.
func (r *Result) checkStatus(want, got string) {
	if want == "" {
		return
	}
	if !strings.Contains(got, want) {
		r.Failures = append(r.Failures, fmt.Sprintf("status: want substring %q, got %q", want, got))
	}
}

func (r *Result) finish() {
	r.Passed = len(r.Failures) == 0
}

// Summary renders every result as a one-line-per-scenario pass/fail
// report, in the style of rclone's own trial() log output.
func Summary(results []*Result) string {
	var b strings.Builder
	failed := 0
	for _, res := range results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(&b, "%-4s %s\n", status, res.Name)
		for _, f := range res.Failures {
			fmt.Fprintf(&b, "       %s\n", f)
		}
	}
	fmt.Fprintf(&b, "\n%d/%d scenarios passed\n", len(results)-failed, len(results))
	return b.String()
}
