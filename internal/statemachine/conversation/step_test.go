package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse("employer_category")
	require.NoError(t, err)
	assert.Equal(t, EmployerCategory, s)

	for _, bad := range []string{"", "COMPLETED", "awaiting_credit_check", "in_review"} {
		_, err := Parse(bad)
		assert.Error(t, err, "value %q", bad)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Step{Completed, AgentUnderage, RedirectCash, RedirectCredit}
	for s := range steps {
		want := false
		for _, ts := range terminal {
			if s == ts {
				want = true
			}
		}
		assert.Equal(t, want, s.IsTerminal(), "step %s", s)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "New Conversation", New.Describe())
	assert.Equal(t, "Main Menu", MicroBizMainMenu.Describe())
	assert.Equal(t, "Agent Application - Age Check", AgentAgeCheck.Describe())
	assert.Equal(t, "Credit Check - Employment Status", EmploymentCheck.Describe())
	assert.Equal(t, "Completed", Completed.Describe())
	assert.Equal(t, "Unknown State", Step("nope").Describe())

	for s := range steps {
		assert.NotEqual(t, "Unknown State", s.Describe())
	}
}

func TestCompletionAndEntry(t *testing.T) {
	assert.True(t, Completed.IsCompletion())
	assert.False(t, Form.IsCompletion())
	assert.False(t, RedirectCredit.IsCompletion())

	assert.True(t, New.IsEntry())
	assert.True(t, Language.IsEntry())
	assert.True(t, MicroBizMainMenu.IsEntry())
	assert.False(t, Employer.IsEntry())
}
