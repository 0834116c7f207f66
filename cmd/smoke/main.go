package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// End-to-end smoke run against a live meridian-api instance: create two
// accounts, move money below and above the approval threshold, resolve the
// pending transaction and verify the balances add up.
func main() {
	base := os.Getenv("MERIDIAN_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	tellerToken := obtainToken(client, base, "smoke-teller", "teller")
	managerToken := obtainToken(client, base, "smoke-manager", "manager")

	accA := call(client, base, tellerToken, http.MethodPost, "/v1/accounts", map[string]any{
		"owner_id":        "smoke-owner",
		"type":            "checking",
		"initial_deposit": "1000.00",
	}, http.StatusCreated)
	accB := call(client, base, tellerToken, http.MethodPost, "/v1/accounts", map[string]any{
		"owner_id": "smoke-owner",
		"type":     "savings",
	}, http.StatusCreated)

	idA := accA["id"].(string)
	idB := accB["id"].(string)

	// Below the threshold: settles in the same call.
	tx := call(client, base, tellerToken, http.MethodPost, "/v1/transfers", map[string]any{
		"from_id": idA,
		"to_id":   idB,
		"amount":  "300.00",
	}, http.StatusCreated)
	if tx["status"] != "completed" {
		log.Fatalf("expected auto-applied transfer, got %v", tx["status"])
	}

	// Above the threshold: parks pending, then a manager approves.
	pending := call(client, base, tellerToken, http.MethodPost, "/v1/accounts/"+idA+"/withdraw", map[string]any{
		"amount": "600.00",
	}, http.StatusCreated)
	if pending["status"] != "pending" {
		log.Fatalf("expected pending withdrawal, got %v", pending["status"])
	}
	ref := pending["reference"].(string)

	approved := call(client, base, managerToken, http.MethodPost, "/v1/transactions/"+ref+"/approve", nil, http.StatusOK)
	if approved["status"] != "completed" {
		log.Fatalf("expected completed after approval, got %v", approved["status"])
	}

	balA := balance(client, base, tellerToken, idA)
	balB := balance(client, base, tellerToken, idB)

	if !balA.Equal(decimal.RequireFromString("100")) {
		log.Fatalf("unexpected balance A: %s", balA)
	}
	if !balB.Equal(decimal.RequireFromString("300")) {
		log.Fatalf("unexpected balance B: %s", balB)
	}

	fmt.Printf("smoke test passed: accounts=%s,%s\n", idA, idB)
}

func obtainToken(client *http.Client, base, userID, role string) string {
	resp := call(client, base, "", http.MethodPost, "/v1/auth/token", map[string]any{
		"user_id": userID,
		"role":    role,
	}, http.StatusOK)
	token, _ := resp["token"].(string)
	if token == "" {
		log.Fatalf("empty token for %s", role)
	}
	return token
}

func balance(client *http.Client, base, token, id string) decimal.Decimal {
	acc := call(client, base, token, http.MethodGet, "/v1/accounts/"+id, nil, http.StatusOK)
	raw, _ := acc["balance"].(string)
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		log.Fatalf("parse balance %q: %v", raw, err)
	}
	return bal
}

func call(client *http.Client, base, token, method, path string, body any, wantStatus int) map[string]any {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			log.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, base+path, &payload)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		log.Fatalf("%s %s: decode: %v", method, path, err)
	}
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, body %v", method, path, resp.StatusCode, decoded)
	}
	return decoded
}
