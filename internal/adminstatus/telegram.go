package adminstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/you/lampbot/internal/core"
)

var telegramBaseURL = "https://api.telegram.org"

// TelegramLookup asks the Bot API getChatMember endpoint for the member status.
type TelegramLookup struct {
	Token string
	HTTP  *http.Client
}

type chatMemberResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Status string `json:"status"`
	} `json:"result"`
}

func (t *TelegramLookup) IsAdmin(ctx context.Context, chat core.ChatID, user core.UserID) (bool, error) {
	token := strings.TrimSpace(t.Token)
	if token == "" {
		return false, fmt.Errorf("%w: bot token not configured", core.ErrExternalLookup)
	}
	q := url.Values{}
	q.Set("chat_id", chat.String())
	q.Set("user_id", user.String())
	endpoint := strings.TrimSuffix(telegramBaseURL, "/") + "/bot" + token + "/getChatMember?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build request: %v", core.ErrExternalLookup, err)
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		// The URL carries the token; keep it out of the error text.
		return false, fmt.Errorf("%w: getChatMember request failed", core.ErrExternalLookup)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, fmt.Errorf("%w: status %d: %s", core.ErrExternalLookup, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed chatMemberResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", core.ErrExternalLookup, err)
	}
	if !parsed.OK {
		return false, fmt.Errorf("%w: %s", core.ErrExternalLookup, parsed.Description)
	}
	switch parsed.Result.Status {
	case "administrator", "creator", "owner":
		return true, nil
	}
	return false, nil
}

func (t *TelegramLookup) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return http.DefaultClient
}
