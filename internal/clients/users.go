package clients

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// Profile is the slice of a user record the gateway shows to a partner.
type Profile struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Picture *string `json:"picture"`
	Age     *int    `json:"age,omitempty"`
	Bio     string  `json:"bio,omitempty"`
}

// UserStore looks up profiles by id.
type UserStore interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

// HTTPUserStore reads profiles from the user store's internal endpoint.
type HTTPUserStore struct {
	baseClient
}

func NewUserStore(baseURL string, httpClient *http.Client, log *slog.Logger) *HTTPUserStore {
	return &HTTPUserStore{baseClient: newBaseClient("user_store", baseURL, httpClient, log)}
}

type userBody struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	FirstName      string  `json:"firstName"`
	Picture        *string `json:"picture"`
	ProfilePicture *string `json:"profilePicture"`
	Age            *int    `json:"age"`
	Bio            string  `json:"bio"`
}

// Profile fetches GET /profile/internal/users/{id}, which answers {data:{user:{...}}}.
func (s *HTTPUserStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	var env struct {
		Data struct {
			User userBody `json:"user"`
		} `json:"data"`
	}
	header := http.Header{"X-Internal-Request": []string{"true"}}
	if err := s.do(ctx, http.MethodGet, "/profile/internal/users/"+url.PathEscape(userID), header, nil, &env); err != nil {
		return nil, err
	}

	u := env.Data.User
	p := &Profile{ID: u.ID, Name: u.Name, Picture: u.Picture, Age: u.Age, Bio: u.Bio}
	if p.ID == "" {
		p.ID = userID
	}
	if p.Name == "" {
		p.Name = u.FirstName
	}
	if p.Picture == nil {
		p.Picture = u.ProfilePicture
	}
	return p, nil
}
