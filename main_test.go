package main_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	mainapp "akun" // Alias the main package for clarity

	"github.com/stretchr/testify/assert"
)

var app *mainapp.App

func TestMain(m *testing.M) {
	// Suppress logging during tests for cleaner output
	log.SetOutput(io.Discard)

	// Point the app at an in-memory database; no broker, so mail goes
	// through the inline logging transport.
	os.Setenv("DB_DRIVER", "sqlite")
	os.Setenv("DATABASE_DSN", "file:maintest?mode=memory&cache=shared")
	os.Setenv("RABBITMQ_URL", "")
	os.Setenv("JWT_SECRET", "test_jwt_secret")

	var err error
	app, err = mainapp.NewApp()
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("Failed to create app: %v", err)
	}

	code := m.Run()

	if err := app.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	os.Exit(code)
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Fiber.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"status":"healthy"`)
	resp.Body.Close()
}

func TestRegistrationThroughWiredApp(t *testing.T) {
	payload := map[string]string{
		"username":   "smoketest",
		"email":      "smoketest@example.com",
		"password":   "Secret12",
		"first_name": "Smoke",
		"last_name":  "Test",
		"birth_date": "1990-04-12",
		"country":    "Indonesia",
	}
	jsonBody, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Fiber.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Login is gated on confirmation out of the box.
	loginBody, _ := json.Marshal(map[string]string{
		"username_or_email": "smoketest",
		"password":          "Secret12",
	})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(loginBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Fiber.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Unauthenticated access to the account surface is rejected.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/account/me", nil)
	resp, err = app.Fiber.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
