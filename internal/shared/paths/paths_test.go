package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayout(t *testing.T) {
	l := NewLayout("/srv/sessions", "")
	s := l.Session("s1")

	assert.Equal(t, "/srv/sessions/base", l.Base)
	assert.Equal(t, "/srv/sessions/active/s1/upper", s.Upper())
	assert.Equal(t, "/srv/sessions/active/s1/work", s.Work())
	assert.Equal(t, "/srv/sessions/active/s1/merged", s.Merged())
	assert.Equal(t, "/srv/sessions/snapshots/s1/filesystem.tar.zst", s.Archive(true))
	assert.Equal(t, "/srv/sessions/snapshots/s1/filesystem.tar", s.Archive(false))
	assert.Equal(t, "/srv/sessions/snapshots/s1/checkpoint", s.Checkpoint())
	assert.Equal(t, "/srv/sessions/snapshots/s1/session.json", s.Manifest())
}

func TestLayoutCustomBase(t *testing.T) {
	l := NewLayout("/srv/sessions", "/opt/desktop-base")
	assert.Equal(t, "/opt/desktop-base", l.Base)
	assert.Contains(t, l.StandardDirectories(), "/opt/desktop-base")
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"s1", false},
		{"sess_01ARZ3NDEKTSV4RRFFQ69G5FAV", false},
		{"user-42_desk", false},
		{"", true},
		{"../etc", true},
		{"/abs", true},
		{"a/b", true},
		{"-leading", true},
		{"has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
