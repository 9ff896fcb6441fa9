// Command wsprobe connects to a syncd WebSocket endpoint and prints every
// frame it receives, answering server pings so the session stays alive.
// With -send it first posts a test_message through the admin surface and
// then watches it arrive.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(addr, token string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func sendTest(addr, adminToken, userID, message string) error {
	body, err := json.Marshal(map[string]string{
		"userId":  userID,
		"message": message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, addr+"/test", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST /test: %s", resp.Status)
	}
	return nil
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "syncd base URL")
	token := flag.String("token", "", "WebSocket bearer token")
	adminToken := flag.String("admin-token", os.Getenv("SYNCD_ADMIN_TOKEN"), "admin token for -send (default $SYNCD_ADMIN_TOKEN)")
	send := flag.String("send", "", "post a test_message for -send-user before listening")
	sendUser := flag.String("send-user", "", "user ID targeted by -send (empty broadcasts)")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "wsprobe: -token is required")
		os.Exit(2)
	}

	target, err := wsURL(*addr, *token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsprobe: dial:", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Fprintln(os.Stderr, "connected to", target)

	conn.SetPingHandler(func(appData string) error {
		fmt.Fprintln(os.Stderr, "<ping> -> pong")
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if *send != "" {
		if err := sendTest(*addr, *adminToken, *sendUser, *send); err != nil {
			fmt.Fprintln(os.Stderr, "wsprobe:", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "test message posted")
	}

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(2 * time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return
			}
			fmt.Fprintln(os.Stderr, "wsprobe: read:", err)
			os.Exit(1)
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			fmt.Println(string(data))
			continue
		}
		fmt.Println(pretty.String())
	}
}
