package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/userauth/internal/session"
	"github.com/example/userauth/internal/store"
)

const maxBodyBytes = 1 << 20

type creds struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userUpdate struct {
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user id")
		return 0, false
	}
	return id, true
}

func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Session.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := a.Session.GetUser(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *App) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var c creds
	if !decodeBody(w, r, &c) {
		return
	}
	u, err := a.Session.Register(r.Context(), c.Email, c.Password)
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (a *App) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in userUpdate
	if !decodeBody(w, r, &in) {
		return
	}
	u, err := a.Session.UpdateUser(r.Context(), id, in.Email, in.Password)
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Session.DeleteUser(r.Context(), id, bearerToken(r)); err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("User with id %d has been deleted successfully.", id),
	})
}

// HandleLogin serves both /users/authenticate and /users/login.
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var c creds
	if !decodeBody(w, r, &c) {
		return
	}
	grant, err := a.Session.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: grant.AccessToken, TokenType: grant.TokenType})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	res, err := a.Session.Logout(r.Context(), bearerToken(r))
	if err != nil {
		writeDomainError(w, r, a.Log, err)
		return
	}
	msg := "Logout successful"
	if res == session.LogoutAlreadyExpired {
		msg = "Token has already expired."
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}
