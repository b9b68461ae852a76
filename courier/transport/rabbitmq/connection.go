package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrURLRequired = errors.New("rabbitmq url is required")

// Dial opens an AMQP connection. Credentials in url never appear in the
// returned error.
func Dial(rawURL string) (*amqp.Connection, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}

	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %s", sanitizeAMQPErr(err, rawURL))
	}

	return conn, nil
}

// ChannelProviderFor returns a ChannelProvider that opens a fresh channel on
// conn.
func ChannelProviderFor(conn *amqp.Connection) ChannelProvider {
	return func() (ConfirmableChannel, error) {
		if conn == nil || conn.IsClosed() {
			return nil, amqp.ErrClosed
		}

		return conn.Channel()
	}
}

// BuildConnectionString builds an AMQP url with escaped credentials.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	u.Host = host
	if port != "" {
		u.Host = host + ":" + port
	}

	if vhost != "" {
		u.Path = "/" + vhost
		u.RawPath = "/" + url.PathEscape(vhost)
	}

	return u.String()
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	errMsg = strings.ReplaceAll(errMsg, connectionString, referenceURL.Redacted())

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}
