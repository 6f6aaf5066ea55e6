package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"juyuso/backend/internal/domain"
	"juyuso/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T) (*AuthManager, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	for _, user := range []domain.UserAccount{
		{Username: "admin", Password: "admin-pass", Role: "admin", Active: true, CreatedAt: time.Now().UTC()},
		{Username: "operator1", Password: "op-pass", Role: "operator", Active: true, CreatedAt: time.Now().UTC()},
		{Username: "ghost", Password: "ghost-pass", Role: "operator", Active: false, CreatedAt: time.Now().UTC()},
	} {
		if err := repo.CreateUser(ctx, user); err != nil {
			t.Fatalf("create user %s: %v", user.Username, err)
		}
	}
	return NewAuthManager(testSecret, time.Hour, repo), repo
}

func TestLoginAndParseToken(t *testing.T) {
	auth, _ := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "wrong"}); err == nil {
		t.Fatalf("wrong password accepted")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "nobody", Password: "admin-pass"}); err == nil {
		t.Fatalf("unknown user accepted")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "ghost-pass"}); err == nil {
		t.Fatalf("inactive account accepted")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	auth, repo := newTestAuth(t)
	other := NewAuthManager("another-secret-another-secret-xx", time.Hour, repo)

	resp, err := other.Login(domain.LoginRequest{Username: "admin", Password: "admin-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token from a different secret accepted")
	}
	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatalf("garbage token accepted")
	}
}

func TestBootstrapUpgradesPlaintextPasswords(t *testing.T) {
	_, repo := newTestAuth(t)

	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, user := range users {
		if !isPasswordHash(user.Password) {
			t.Fatalf("user %s still stores a plaintext password", user.Username)
		}
	}
}

func TestCreateOperatorValidation(t *testing.T) {
	auth, _ := newTestAuth(t)

	cases := []struct {
		name string
		req  domain.OperatorCreateRequest
	}{
		{"short username", domain.OperatorCreateRequest{Username: "ab", Password: "secret1"}},
		{"spaced username", domain.OperatorCreateRequest{Username: "new user", Password: "secret1"}},
		{"short password", domain.OperatorCreateRequest{Username: "newuser", Password: "123"}},
		{"duplicate", domain.OperatorCreateRequest{Username: "operator1", Password: "secret1"}},
	}
	for _, tc := range cases {
		if _, err := auth.CreateOperator(tc.req); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}

	created, err := auth.CreateOperator(domain.OperatorCreateRequest{Username: "Operator2", Password: "secret1"})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if created.Username != "operator2" || created.Role != "operator" || !created.Active {
		t.Fatalf("unexpected operator %+v", created)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "operator2", Password: "secret1"}); err != nil {
		t.Fatalf("new operator cannot log in: %v", err)
	}

	names := make([]string, 0)
	for _, op := range auth.ListOperators() {
		names = append(names, op.Username)
	}
	if strings.Join(names, ",") != "ghost,operator1,operator2" {
		t.Fatalf("unexpected operator list %v", names)
	}
}
