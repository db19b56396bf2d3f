package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want Outcome
	}{
		{
			name: "clean exit",
			res:  Result{ExitCode: 0},
			want: OutcomeSuccess,
		},
		{
			name: "plain non-zero exit",
			res:  Result{ExitCode: 1, StderrTail: "connection reset\n"},
			want: OutcomeTransient,
		},
		{
			name: "timeout",
			res:  Result{TimedOut: true},
			want: OutcomeTransient,
		},
		{
			name: "auth failure on stderr",
			res:  Result{ExitCode: 1, StderrTail: "ERROR: Authentication Failed\n"},
			want: OutcomeFatal,
		},
		{
			name: "quota marker on stdout",
			res:  Result{ExitCode: 1, StdoutTail: "request rejected: quota exceeded\n"},
			want: OutcomeFatal,
		},
		{
			name: "fatal marker wins over clean exit",
			res:  Result{ExitCode: 0, StderrTail: "FATAL: invalid api key\n"},
			want: OutcomeFatal,
		},
		{
			name: "marker case-insensitive",
			res:  Result{ExitCode: 1, StderrTail: "Permission Denied (publickey)\n"},
			want: OutcomeFatal,
		},
		{
			name: "timeout with fatal marker is fatal",
			res:  Result{TimedOut: true, StderrTail: "billing hard limit reached\n"},
			want: OutcomeFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.res))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
