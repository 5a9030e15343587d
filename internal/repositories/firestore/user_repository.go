package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/loupe-market/api/internal/domain"
	pfirestore "github.com/loupe-market/api/internal/platform/firestore"
)

const usersCollection = "users"

// UserRepository reads buyer and seller profiles, keyed by Firebase UID.
type UserRepository struct {
	provider *pfirestore.Provider
	users    *pfirestore.BaseRepository[userDocument]
}

// NewUserRepository constructs a UserRepository backed by the shared provider.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	users := pfirestore.NewBaseRepository[userDocument](provider, usersCollection, nil, nil)
	return &UserRepository{provider: provider, users: users}, nil
}

// FindByID implements repositories.UserRepository.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.provider == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UserProfile{}, errors.New("user find: user id is required")
	}

	doc, err := r.users.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, pfirestore.WrapError("users.findById", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

type userDocument struct {
	Email          string           `firestore:"email,omitempty"`
	Active         bool             `firestore:"active"`
	DefaultAddress *addressDocument `firestore:"defaultAddress,omitempty"`
	CreatedAt      time.Time        `firestore:"createdAt"`
	UpdatedAt      time.Time        `firestore:"updatedAt"`
}

func (d userDocument) toDomain(id string) domain.UserProfile {
	profile := domain.UserProfile{
		ID:        id,
		Email:     strings.TrimSpace(d.Email),
		Active:    d.Active,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.DefaultAddress != nil {
		profile.DefaultAddress = &domain.Address{
			Name:       d.DefaultAddress.Name,
			Line1:      d.DefaultAddress.Line1,
			Line2:      d.DefaultAddress.Line2,
			City:       d.DefaultAddress.City,
			Region:     d.DefaultAddress.Region,
			PostalCode: d.DefaultAddress.PostalCode,
			Country:    d.DefaultAddress.Country,
			Phone:      d.DefaultAddress.Phone,
		}
	}
	return profile
}
