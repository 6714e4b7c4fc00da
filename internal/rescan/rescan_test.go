package rescan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/rowid"
)

func TestTaskJSONRoundTrip(t *testing.T) {
	task := Task{ConnectionID: rowid.RowID(42), TargetVersion: 7}

	data, err := json.Marshal(task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"connection_id":42,"target_version":7}`, string(data))

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task, decoded)
}

func TestConnectWrapsDialFailure(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:0", nil)
	assert.Error(t, err)
}
