package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/provider"
)

type mockProfileFinder struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.Profile, error)
}

func (m *mockProfileFinder) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func TestResolver_Resolve(t *testing.T) {
	user := provider.User{
		ID:       "u-1",
		Email:    "alice@example.com",
		Metadata: map[string]string{"username": "meta-alice", "publicKey": "04ab"},
	}

	tests := []struct {
		name        string
		profile     *model.Profile
		err         error
		user        provider.User
		wantRole    model.Role
		wantDisplay string
	}{
		{
			name:        "admin flag grants admin role",
			profile:     &model.Profile{UserID: "u-1", Username: "alice", IsAdmin: true},
			user:        user,
			wantRole:    model.RoleAdmin,
			wantDisplay: "alice",
		},
		{
			name:        "profile without flag is user",
			profile:     &model.Profile{UserID: "u-1", Username: "alice"},
			user:        user,
			wantRole:    model.RoleUser,
			wantDisplay: "alice",
		},
		{
			name:        "missing profile falls back to user and metadata name",
			user:        user,
			wantRole:    model.RoleUser,
			wantDisplay: "meta-alice",
		},
		{
			name:        "lookup failure falls back to user",
			err:         errors.New("connection reset"),
			user:        user,
			wantRole:    model.RoleUser,
			wantDisplay: "meta-alice",
		},
		{
			name:        "no names falls back to email local part",
			profile:     &model.Profile{UserID: "u-2"},
			user:        provider.User{ID: "u-2", Email: "bob@example.com"},
			wantRole:    model.RoleUser,
			wantDisplay: "bob",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&mockProfileFinder{
				findByUserIDFn: func(ctx context.Context, userID string) (*model.Profile, error) {
					return tt.profile, tt.err
				},
			}, nil)

			got := r.Resolve(context.Background(), tt.user)

			if got.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", got.Role, tt.wantRole)
			}
			if got.DisplayName != tt.wantDisplay {
				t.Errorf("DisplayName = %q, want %q", got.DisplayName, tt.wantDisplay)
			}
			if got.ID != tt.user.ID {
				t.Errorf("ID = %q, want %q", got.ID, tt.user.ID)
			}
		})
	}
}

func TestResolver_Resolve_CarriesPublicKey(t *testing.T) {
	r := NewResolver(&mockProfileFinder{}, nil)

	got := r.Resolve(context.Background(), provider.User{
		ID:       "u-1",
		Metadata: map[string]string{"publicKey": "04abcd"},
	})

	if got.PublicKey != "04abcd" {
		t.Errorf("PublicKey = %q, want %q", got.PublicKey, "04abcd")
	}
}
