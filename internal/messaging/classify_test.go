package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		body string
		want Intent
	}{
		{"yes", IntentYes},
		{"  Yes Please ", IntentYes},
		{"OK", IntentYes},
		{"do it", IntentYes},
		{"no", IntentNo},
		{"Nope", IntentNo},
		{"cancel", IntentCancel},
		{"never mind", IntentCancel},
		{"STOP", IntentCancel},
		{"skip", IntentSkip},
		{"snooze", IntentSnooze},
		{"remind me later", IntentSnooze},
		{"428190", IntentCode},
		{" 4281 ", IntentCode},
		{"12345678", IntentCode},
		// Too short or not bare digits; credential values land here.
		{"123", IntentText},
		{"code is 428190", IntentText},
		{"hunter2", IntentText},
		{"", IntentText},
		{"yes and also no", IntentText},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.body), "body %q", tc.body)
	}
}
