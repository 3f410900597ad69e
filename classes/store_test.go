package classes

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newAnomalyStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(AnomalyClasses...)
	require.NoError(t, err)
	return s
}

func TestNewStoreRejectsInvalidDefaults(t *testing.T) {
	_, err := NewStore(Config{ID: 1, Name: "a"}, Config{ID: 1, Name: "b"})
	assert.True(t, errors.Is(err, ErrDuplicateClass))

	_, err = NewStore(Config{ID: 1, Name: "a", Threshold: 1.5})
	assert.True(t, errors.Is(err, ErrThresholdOutOfRange))
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name    string
		id      int
		update  Update
		wantErr error
		want    Config
	}{
		{
			name:   "threshold only",
			id:     1,
			update: Update{Threshold: ptr(0.7)},
			want:   Config{ID: 1, Name: "abnormal", Threshold: 0.7, Enabled: true},
		},
		{
			name:   "disable only",
			id:     0,
			update: Update{Enabled: ptr(false)},
			want:   Config{ID: 0, Name: "normal", Threshold: 0.5, Enabled: false},
		},
		{
			name:   "boundary thresholds are valid",
			id:     0,
			update: Update{Threshold: ptr(1.0)},
			want:   Config{ID: 0, Name: "normal", Threshold: 1.0, Enabled: true},
		},
		{
			name:    "unknown class",
			id:      42,
			update:  Update{Threshold: ptr(0.3)},
			wantErr: ErrUnknownClass,
		},
		{
			name:    "negative threshold",
			id:      0,
			update:  Update{Threshold: ptr(-0.1)},
			wantErr: ErrThresholdOutOfRange,
		},
		{
			name:    "NaN threshold",
			id:      0,
			update:  Update{Threshold: ptr(math.NaN())},
			wantErr: ErrThresholdOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newAnomalyStore(t)
			before := s.List()

			err := s.Configure(tt.id, tt.update)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, before, s.List(), "failed update must not mutate the store")
				return
			}
			require.NoError(t, err)
			got, ok := s.Lookup(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigureByNameIsCaseInsensitive(t *testing.T) {
	s := newAnomalyStore(t)
	id, err := s.ConfigureByName("Abnormal", Update{Threshold: ptr(0.9)})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	c, _ := s.Lookup(1)
	assert.Equal(t, 0.9, c.Threshold)

	_, err = s.ConfigureByName("missing", Update{Enabled: ptr(true)})
	assert.True(t, errors.Is(err, ErrUnknownClass))
}

func TestSetEnabled(t *testing.T) {
	s, err := NewStore(COCOClasses...)
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled([]int{0, 2}))
	for _, c := range s.List() {
		assert.Equal(t, c.ID == 0 || c.ID == 2, c.Enabled, "class %d", c.ID)
	}

	err = s.SetEnabled([]int{0, 999})
	assert.True(t, errors.Is(err, ErrUnknownClass))
	person, _ := s.Lookup(0)
	car, _ := s.Lookup(2)
	assert.True(t, person.Enabled && car.Enabled, "rejected selection must not change anything")
}

func TestSnapshotIsIsolatedFromLaterUpdates(t *testing.T) {
	s := newAnomalyStore(t)
	snap := s.Snapshot()

	require.NoError(t, s.Configure(0, Update{Threshold: ptr(0.99), Enabled: ptr(false)}))

	c, ok := snap.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, 0.5, c.Threshold)
	assert.True(t, c.Enabled)
	assert.Equal(t, 2, snap.Len())
}

func TestResetDefaults(t *testing.T) {
	s := newAnomalyStore(t)
	require.NoError(t, s.Configure(1, Update{Threshold: ptr(0.1), Enabled: ptr(false)}))

	s.ResetDefaults()

	assert.Equal(t, AnomalyClasses, s.List())
}

func TestPreset(t *testing.T) {
	set, err := Preset("COCO")
	require.NoError(t, err)
	require.Len(t, set, 80)
	assert.Equal(t, "person", set[0].Name)
	assert.Equal(t, "toothbrush", set[79].Name)

	set[0].Name = "mutated"
	assert.Equal(t, "person", COCOClasses[0].Name, "preset must be a copy")

	set, err = Preset("")
	require.NoError(t, err)
	assert.Equal(t, AnomalyClasses, set)

	_, err = Preset("voc")
	assert.Error(t, err)
}
