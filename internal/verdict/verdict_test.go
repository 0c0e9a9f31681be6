package verdict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   Verdict
	}{
		{"complete", "work done\n<promise>TASK_COMPLETE</promise>\n", Verdict{Kind: Success}},
		{"blocked same line", "<promise>TASK_BLOCKED</promise> disk full", Verdict{Kind: Blocked, Reason: "disk full"}},
		{"blocked next line", "tried\n<promise>TASK_BLOCKED</promise>\n\n  disk full  \nmore", Verdict{Kind: Blocked, Reason: "disk full"}},
		{"blocked no reason", "<promise>TASK_BLOCKED</promise>\n", Verdict{Kind: Blocked}},
		{"neither", "I think it works", Verdict{Kind: Unknown}},
		{"empty", "", Verdict{Kind: Unknown}},
		{"complete after blocked", "<promise>TASK_BLOCKED</promise> flaky\nretried\n<promise>TASK_COMPLETE</promise>", Verdict{Kind: Success}},
		{"blocked after complete", "<promise>TASK_COMPLETE</promise>\noops\n<promise>TASK_BLOCKED</promise>\nmissing credentials", Verdict{Kind: Blocked, Reason: "missing credentials"}},
		{"partial sentinel", "<promise>TASK_COMPLETE", Verdict{Kind: Unknown}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.output))
		})
	}
}

func TestKind_JSON(t *testing.T) {
	data, err := json.Marshal(Verdict{Kind: Blocked, Reason: "disk full"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"blocked","reason":"disk full"}`, string(data))

	var v Verdict
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, Blocked, v.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"maybe"}`), &v))
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "blocked: disk full", Verdict{Kind: Blocked, Reason: "disk full"}.String())
	assert.Equal(t, "success", Verdict{Kind: Success}.String())
}
