// Copyright The perfprobe Authors
// SPDX-License-Identifier: Apache-2.0

package successfailurecounter

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessFailureCounter(t *testing.T) {
	tests := map[string]struct {
		report          func(sfc *SuccessFailureCounter)
		expectedSuccess uint64
		expectedFailure uint64
	}{
		"no report defaults": {
			report:          func(*SuccessFailureCounter) {},
			expectedFailure: 1,
		},
		"report success": {
			report:          (*SuccessFailureCounter).ReportSuccess,
			expectedSuccess: 1,
		},
		"report failure": {
			report:          (*SuccessFailureCounter).ReportFailure,
			expectedFailure: 1,
		},
		"double report counts once": {
			report: func(sfc *SuccessFailureCounter) {
				sfc.ReportSuccess()
				sfc.ReportSuccess()
			},
			expectedSuccess: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var success, failure atomic.Uint64
			sfc := New(&success, &failure)
			test.report(&sfc)
			sfc.DefaultToFailure()
			assert.Equal(t, test.expectedSuccess, success.Load())
			assert.Equal(t, test.expectedFailure, failure.Load())
		})
	}
}
