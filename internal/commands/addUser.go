package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"haven/internal/api"
	"haven/internal/config"
)

func AddUser(username string, cfg *config.Config) error {
	// Prepare request
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:      %s\n", result.Username)
	fmt.Printf("User ID:       %s\n", result.UserID)
	fmt.Printf("Token:         %s\n", result.Token)
	fmt.Printf("Token expires: %s\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))
	fmt.Printf("Chat endpoint: %s\n\n", result.ChatURL)
	fmt.Println("Pass the token as a Bearer credential or as ?token= when connecting.")
	return nil
}
