package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Grammar(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		wantErr error
	}{
		{"empty", "", ErrEmptyPattern},
		{"empty segment", "travel..plan", ErrEmptySegment},
		{"multi not trailing", "travel.**.plan", ErrMultiNotTrailing},
		{"bad chars", "travel.pl@n", ErrInvalidSegmentChars},
		{"literal ok", "travel.plan.request", nil},
		{"single wildcard ok", "travel.*.request", nil},
		{"trailing multi ok", "travel.**", nil},
		{"bare multi ok", "**", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Compile(tc.pattern)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.pattern, m.Pattern())
		})
	}
}

func TestMatcher_Matches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"travel.plan.request", "travel.plan.request", true},
		{"travel.plan.request", "travel.plan.response", false},
		{"travel.*.request", "travel.plan.request", true},
		{"travel.*.request", "travel.plan.booking.request", false},
		{"travel.**", "travel.plan.request", true},
		{"travel.**", "travel", true},
		{"travel.**", "travel.plan.booking.confirm", true},
		{"**", "anything.at.all", true},
		{"**", "x", true},
		{"travel.plan.*", "travel.plan", false},
		{"a.b.c", "a.b", false},
		{"a.b", "a.b.c", false},
	}
	for _, tc := range cases {
		m, err := Compile(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m.Matches(tc.topic), "pattern=%s topic=%s", tc.pattern, tc.topic)
	}
}

func TestIndex_AddFindRemove(t *testing.T) {
	ix := NewIndex()

	mPlan, err := Compile("travel.plan.*")
	require.NoError(t, err)
	mAll, err := Compile("travel.**")
	require.NoError(t, err)
	mOther, err := Compile("billing.invoice.created")
	require.NoError(t, err)

	ix.Add("sub-1", mPlan, "ref-1")
	ix.Add("sub-2", mAll, "ref-2")
	ix.Add("sub-3", mOther, "ref-3")
	require.Equal(t, 3, ix.Len())

	refs := ix.FindMatching("travel.plan.request")
	assert.ElementsMatch(t, []Ref{"ref-1", "ref-2"}, refs)

	refs = ix.FindMatching("billing.invoice.created")
	assert.ElementsMatch(t, []Ref{"ref-3"}, refs)

	refs = ix.FindMatching("travel.booking.confirm")
	assert.ElementsMatch(t, []Ref{"ref-2"}, refs)

	ix.Remove("sub-2")
	require.Equal(t, 2, ix.Len())
	refs = ix.FindMatching("travel.booking.confirm")
	assert.Empty(t, refs)

	// Removing an unknown id is a no-op.
	ix.Remove("does-not-exist")
	require.Equal(t, 2, ix.Len())
}

func TestIndex_SharedPatternMultipleRefs(t *testing.T) {
	ix := NewIndex()
	m, err := Compile("travel.plan.request")
	require.NoError(t, err)

	ix.Add("sub-a", m, "ref-a")
	ix.Add("sub-b", m, "ref-b")
	require.Equal(t, 2, ix.Len())

	refs := ix.FindMatching("travel.plan.request")
	assert.ElementsMatch(t, []Ref{"ref-a", "ref-b"}, refs)

	ix.Remove("sub-a")
	refs = ix.FindMatching("travel.plan.request")
	assert.ElementsMatch(t, []Ref{"ref-b"}, refs)
}

func TestMatcher_Determinism(t *testing.T) {
	m, err := Compile("travel.*.request")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.True(t, m.Matches("travel.plan.request"))
		assert.False(t, m.Matches("travel.plan.response"))
	}
}
