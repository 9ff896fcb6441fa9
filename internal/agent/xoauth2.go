package agent

import "github.com/emersion/go-sasl"

// xoauth2Client implements the XOAUTH2 SASL mechanism used by the major
// OAuth mail providers. The initial response is
// "user=<email>\x01auth=Bearer <token>\x01\x01".
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

// Next handles the server's error challenge: a failed XOAUTH2 exchange
// sends a base64 JSON blob and expects an empty client response before the
// tagged NO arrives.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
