// chatload drives the sync client against a running bus daemon: it registers
// user pairs, opens one connection each, and exchanges messages through the
// real subscribe/send path to exercise fan-out under load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trailtalk/chatsync"
)

var (
	baseURL = flag.String("base", "http://localhost:8080", "daemon base url")
	wsURL   = flag.String("ws", "ws://localhost:8080/ws", "daemon websocket url")
	pairs   = flag.Int("pairs", 50, "number of user pairs")
	msgs    = flag.Int("msgs", 20, "messages per user")
)

var (
	sent     atomic.Int64
	received atomic.Int64
)

func main() {
	flag.Parse()
	log.Printf("🔥 Load test: %d users, %d messages each", *pairs*2, *msgs)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID); err != nil {
				log.Printf("❌ Pair %d: %v", pairID, err)
			}
		}(i)
	}
	wg.Wait()

	log.Printf("✅ Done in %v: sent=%d received=%d", time.Since(start).Round(time.Millisecond), sent.Load(), received.Load())
}

func runPair(pairID int) error {
	userA := fmt.Sprintf("load_%d_a", pairID)
	userB := fmt.Sprintf("load_%d_b", pairID)

	credA, err := authenticate(userA)
	if err != nil {
		return fmt.Errorf("auth %s: %w", userA, err)
	}
	credB, err := authenticate(userB)
	if err != nil {
		return fmt.Errorf("auth %s: %w", userB, err)
	}

	conversationID, err := startConversation(credA.Token, credB.UserID)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	errs := make(chan error, 2)
	go func() { defer wsWg.Done(); errs <- runUser(credA, conversationID) }()
	go func() { defer wsWg.Done(); errs <- runUser(credB, conversationID) }()
	wsWg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runUser(cred chatsync.Credential, conversationID int64) error {
	svc := chatsync.New(chatsync.Config{
		URL:         *wsURL,
		RESTBaseURL: *baseURL,
	})
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := svc.Connect(ctx, cred); err != nil {
		return fmt.Errorf("connect %s: %w", cred.Username, err)
	}

	sub := svc.Subscriptions().Subscribe(chatsync.TopicConversation(conversationID), func(any) {
		received.Add(1)
	})
	defer sub.Unsubscribe()

	for i := 0; i < *msgs; i++ {
		if err := svc.Typing().NotifyTyping(conversationID); err != nil {
			return err
		}
		if _, err := svc.Send(ctx, conversationID, fmt.Sprintf("load message %d from %s", i, cred.Username)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	// Let the tail of the fan-out drain before tearing the connection down.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func authenticate(username string) (chatsync.Credential, error) {
	// Register first; an already-taken name just means a rerun.
	postJSON("/register", map[string]string{"username": username, "password": "hike-on-123"}, nil)

	var login struct {
		AccessToken string `json:"accessToken"`
		ID          int64  `json:"id"`
		Username    string `json:"username"`
	}
	if err := postJSON("/login", map[string]string{"username": username, "password": "hike-on-123"}, &login); err != nil {
		return chatsync.Credential{}, err
	}
	return chatsync.Credential{
		Token:    login.AccessToken,
		UserID:   login.ID,
		Username: login.Username,
	}, nil
}

func startConversation(token string, targetID int64) (int64, error) {
	body, _ := json.Marshal(map[string]int64{"targetId": targetID})
	req, err := http.NewRequest(http.MethodPost, *baseURL+"/conversations", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		ConversationID int64 `json:"conversationId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ConversationID, nil
}

func postJSON(path string, in, out any) error {
	data, _ := json.Marshal(in)
	resp, err := http.Post(*baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
