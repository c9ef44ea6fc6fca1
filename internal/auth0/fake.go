package auth0

import "context"

// FakeClient serves profiles from memory, keyed by access token.
type FakeClient struct {
	Profiles map[string]Profile
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Profiles: make(map[string]Profile),
	}
}

func (c *FakeClient) Profile(_ context.Context, accessToken string) (Profile, error) {
	if p, ok := c.Profiles[accessToken]; ok {
		return p, nil
	}
	return Profile{}, ErrUserInfoFailed
}

func (c *FakeClient) AddProfile(accessToken string, p Profile) {
	c.Profiles[accessToken] = p
}
