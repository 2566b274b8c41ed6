package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"odds/internal/types"
)

func newMagpie(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		switch creds.UserName {
		case "alice":
			http.SetCookie(w, &http.Cookie{Name: TicketCookie, Value: "tkt-alice"})
		case "nocookie":
		default:
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(TicketCookie)
		if err != nil || ck.Value != "tkt-alice" {
			w.Write([]byte(`{"authenticated": false}`))
			return
		}
		w.Write([]byte(`{"authenticated": true, "user": {"user_name": "alice", "email": "alice@example.org"}}`))
	})
	mux.HandleFunc("/register/users", func(w http.ResponseWriter, r *http.Request) {
		var reg Registration
		json.NewDecoder(r.Body).Decode(&reg)
		switch reg.UserName {
		case "new":
			w.WriteHeader(http.StatusCreated)
		case "pending":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad email"))
		}
	})
	return httptest.NewServer(mux)
}

func TestIdentitySignIn(t *testing.T) {
	server := newMagpie(t)
	defer server.Close()
	client := NewIdentityClient(newTestClient(t, fastPolicy(0)), server.URL, nil)

	id, err := client.SignIn(context.Background(), Credentials{UserName: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !id.Authenticated || id.UserName != "alice" || id.Email != "alice@example.org" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if id.Ticket.Unmask() != "tkt-alice" {
		t.Errorf("ticket not carried")
	}
}

func TestIdentitySignIn_Failures(t *testing.T) {
	server := newMagpie(t)
	defer server.Close()
	client := NewIdentityClient(newTestClient(t, fastPolicy(0)), server.URL, nil)

	_, err := client.SignIn(context.Background(), Credentials{UserName: "bob", Password: "pw"})
	if !types.IsCode(err, types.ErrCodeAuthInvalidCreds) {
		t.Errorf("expected invalid credentials, got %v", err)
	}

	_, err = client.SignIn(context.Background(), Credentials{UserName: "nocookie", Password: "pw"})
	if !types.IsCode(err, types.ErrCodeUpstreamIdentity) {
		t.Errorf("expected identity error for missing cookie, got %v", err)
	}
}

func TestIdentitySession_UnknownTicket(t *testing.T) {
	server := newMagpie(t)
	defer server.Close()
	client := NewIdentityClient(newTestClient(t, fastPolicy(0)), server.URL, nil)

	id, err := client.Session(context.Background(), types.SecretString("stale"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id.Authenticated {
		t.Error("stale ticket must not authenticate")
	}
}

func TestIdentityRegister(t *testing.T) {
	server := newMagpie(t)
	defer server.Close()
	client := NewIdentityClient(newTestClient(t, fastPolicy(0)), server.URL, nil)
	ctx := context.Background()

	msg, err := client.Register(ctx, Registration{UserName: "new", Email: "n@example.org", Password: "password1"})
	if err != nil || msg != RegistrationOK {
		t.Errorf("msg = %q, err = %v", msg, err)
	}

	_, err = client.Register(ctx, Registration{UserName: "pending", Email: "p@example.org", Password: "password1"})
	if !types.IsCode(err, types.ErrCodeConflictRegistration) {
		t.Errorf("expected pending conflict, got %v", err)
	}

	_, err = client.Register(ctx, Registration{UserName: "other", Email: "o@example.org", Password: "password1"})
	appErr, ok := err.(*types.AppError)
	if !ok {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Message != "❌ Registration failed: 400, bad email" {
		t.Errorf("message = %q", appErr.Message)
	}
}
