// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"fmt"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default should return the same instance")
	}
}

func TestRecordTransfer(t *testing.T) {
	r := New()
	r.RecordTransfer(Upload, nil, time.Second)
	r.RecordTransfer(Upload, nil, 2*time.Second)
	r.RecordTransfer(Upload, fmt.Errorf("put part"), time.Second)
	r.RecordTransfer(Download, nil, time.Second)

	var m dto.Metric
	require.NoError(t, r.TransfersTotal.WithLabelValues(Upload, "success").Write(&m))
	assert.Equal(t, 2.0, m.Counter.GetValue())
	require.NoError(t, r.TransfersTotal.WithLabelValues(Upload, "error").Write(&m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestRecordPartAndQueue(t *testing.T) {
	r := New()
	r.RecordPart(Upload, 5<<20)
	r.RecordPart(Upload, 2<<20)
	r.SetQueue(3, 7)

	var m dto.Metric
	require.NoError(t, r.TransferBytes.WithLabelValues(Upload).Write(&m))
	assert.Equal(t, float64(7<<20), m.Counter.GetValue())
	require.NoError(t, r.PartsTotal.WithLabelValues(Upload).Write(&m))
	assert.Equal(t, 2.0, m.Counter.GetValue())
	require.NoError(t, r.QueueWaiting.Write(&m))
	assert.Equal(t, 7.0, m.Gauge.GetValue())

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mediavault_parts_total"])
	assert.True(t, names["mediavault_queue_running"])
}
