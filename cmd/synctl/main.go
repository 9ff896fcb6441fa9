// Command synctl drives the syncd admin surface: agent status for a
// user, a global restart, and credential revocation.
//
// Usage:
//
//	synctl -addr http://localhost:8080 -token SECRET status -user u1
//	synctl -addr http://localhost:8080 -token SECRET restart
//	synctl -addr http://localhost:8080 -token SECRET revoke -user u1 -email a@example.com
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

type client struct {
	addr  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *client) status(userID string) error {
	resp, err := c.do(http.MethodGet, "/status?userId="+userID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	var out struct {
		UserID string            `json:"userId"`
		Agents map[string]string `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	if len(out.Agents) == 0 {
		fmt.Printf("no agents for user %s\n", userID)
		return nil
	}
	emails := make([]string, 0, len(out.Agents))
	for email := range out.Agents {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	for _, email := range emails {
		fmt.Printf("%-40s %s\n", email, out.Agents[email])
	}
	return nil
}

func (c *client) restart() error {
	resp, err := c.do(http.MethodPost, "/restart", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return httpError(resp)
	}
	fmt.Println("all agents restarted")
	return nil
}

func (c *client) revoke(userID, email string) error {
	resp, err := c.do(http.MethodPost, "/revoke", map[string]string{
		"userId": userID,
		"email":  email,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return httpError(resp)
	}
	if email == "" {
		fmt.Printf("revoked all credentials for user %s\n", userID)
		return nil
	}
	fmt.Printf("revoked %s for user %s\n", email, userID)
	return nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: synctl [-addr URL] [-token TOKEN] status|restart|revoke [args]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "syncd base URL")
	token := flag.String("token", os.Getenv("SYNCD_ADMIN_TOKEN"), "admin token (default $SYNCD_ADMIN_TOKEN)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	c := &client{
		addr:  *addr,
		token: *token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		user := fs.String("user", "", "user ID")
		fs.Parse(flag.Args()[1:])
		if *user == "" {
			fmt.Fprintln(os.Stderr, "status requires -user")
			os.Exit(2)
		}
		err = c.status(*user)
	case "restart":
		err = c.restart()
	case "revoke":
		fs := flag.NewFlagSet("revoke", flag.ExitOnError)
		user := fs.String("user", "", "user ID")
		email := fs.String("email", "", "mailbox address (empty revokes all of the user's credentials)")
		fs.Parse(flag.Args()[1:])
		if *user == "" {
			fmt.Fprintln(os.Stderr, "revoke requires -user")
			os.Exit(2)
		}
		err = c.revoke(*user, *email)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "synctl:", err)
		os.Exit(1)
	}
}
