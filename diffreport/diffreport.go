// Package diffreport reports which top-level fields changed between two
// values of the same struct type, using cmp.Reporter the way the teacher's
// kmp package does (knative-pkg/kmp/reporters.go). The Repository Registry
// uses this to log exactly which settings fields an UpdateSettings call
// touched, without hand-writing a field-by-field
// comparison for every DTO that grows a field.
package diffreport

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// FieldListReporter implements cmp.Reporter, collecting the names of the
// top-level struct fields that differed between the two compared values.
type FieldListReporter struct {
	path       cmp.Path
	fieldNames []string
}

func (r *FieldListReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *FieldListReporter) fieldName() string {
	var name string
	if len(r.path) < 2 {
		name = r.path.Index(0).String()
	} else {
		name = strings.TrimPrefix(r.path.Index(1).String(), ".")
	}
	if name == "" {
		return name
	}
	return strings.ToLower(string(name[0])) + name[1:]
}

func (r *FieldListReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	name := r.fieldName()
	for _, v := range r.fieldNames {
		if name == v {
			return
		}
	}
	r.fieldNames = append(r.fieldNames, name)
}

func (r *FieldListReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

// Fields returns the changed field names in alphabetical order.
func (r *FieldListReporter) Fields() []string {
	sort.Strings(r.fieldNames)
	return r.fieldNames
}

// ChangedFields compares a and b (which must be the same struct type) and
// returns the names of the top-level fields that differ.
func ChangedFields(a, b any) []string {
	var r FieldListReporter
	cmp.Equal(a, b, cmp.Reporter(&r), cmp.Exporter(func(reflect.Type) bool { return true }))
	return r.Fields()
}

// ShortDiffReporter renders a zero-context unified diff per differing leaf.
type ShortDiffReporter struct {
	path  cmp.Path
	diffs []string
	err   error
}

func (r *ShortDiffReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *ShortDiffReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	cur := r.path.Last()
	vx, vy := cur.Values()
	t := cur.Type()
	var diff string
	if !vx.IsValid() || !vy.IsValid() {
		r.err = fmt.Errorf("unable to diff %+v and %+v on path %#v", vx, vy, r.path)
	} else if t.Kind() == reflect.Struct {
		diff = fmt.Sprintf("%#v:\n\t-: %+v: %q\n\t+: %+v: %q\n", r.path, t, vx, t, vy)
	} else {
		diff = fmt.Sprintf("%#v:\n\t-: %q\n\t+: %q\n", r.path, vx, vy)
	}
	r.diffs = append(r.diffs, diff)
}

func (r *ShortDiffReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

// Diff returns the generated short diff. Call after cmp.Equal.
func (r *ShortDiffReporter) Diff() (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return strings.Join(r.diffs, ""), nil
}

// ShortDiff compares a and b and returns a short unified-diff rendering of
// every leaf value that differs.
func ShortDiff(a, b any) (string, error) {
	var r ShortDiffReporter
	cmp.Equal(a, b, cmp.Reporter(&r), cmp.Exporter(func(reflect.Type) bool { return true }))
	return r.Diff()
}
