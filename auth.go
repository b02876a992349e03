package wire

import (
	"context"
	"errors"

	"github.com/intersystems-community/iris-pgwire/codes"
	"github.com/intersystems-community/iris-pgwire/internal/auth"
	pgerror "github.com/intersystems-community/iris-pgwire/pgerror"
	"github.com/intersystems-community/iris-pgwire/pkg/buffer"
	"github.com/intersystems-community/iris-pgwire/pkg/types"
)

// authType represents the manner in which a client is able to authenticate
type authType int32

const (
	// authOK indicates that the connection has been authenticated and the client
	// is allowed to proceed.
	authOK authType = 0
	// authClearTextPassword tells the client to send its password in clear text.
	authClearTextPassword authType = 3
	// authSASL begins a SASL authentication exchange (used for SCRAM-SHA-256).
	authSASL authType = 10
	// authSASLContinue carries an intermediate SASL challenge.
	authSASLContinue authType = 11
	// authSASLFinal carries the final SASL server message.
	authSASLFinal authType = 12
)

// AuthStrategy represents an authentication strategy used to authenticate a user.
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error)

// handleAuth handles the client authentication for the given connection.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) (context.Context, error) {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		return ctx, writeAuthType(writer, authOK)
	}

	return srv.Auth(ctx, writer, reader)
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates it via validate. validate receives the
// database and username requested during connection startup plus the
// password, and may enrich ctx (e.g. attaching an authorization token) for
// use by the rest of the session.
func ClearTextPassword(validate func(ctx context.Context, database, username, password string) (context.Context, bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		if err := writeAuthType(writer, authClearTextPassword); err != nil {
			return ctx, err
		}

		params := ClientParameters(ctx)
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}

		if t != types.ClientPassword {
			return ctx, errors.New("unexpected password message")
		}

		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		ctx, valid, err := validate(ctx, params[ParamDatabase], params[ParamUsername], password)
		if err != nil {
			return ctx, err
		}

		if !valid {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := ErrorCode(ctx, writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		return ctx, writeAuthType(writer, authOK)
	}
}

// SCRAM announces SCRAM-SHA-256 as the only supported SASL mechanism and
// drives the exchange against store. It is the recommended AuthStrategy for
// any deployment that is not strictly local/development.
func SCRAM(store auth.CredentialStore) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := ClientParameters(ctx)
		username := params[ParamUsername]

		writer.Start(types.ServerAuth)
		writer.AddInt32(int32(authSASL))
		writer.AddString(auth.Mechanism)
		writer.AddNullTerminate()
		writer.AddNullTerminate()
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, errors.New("expected SASLInitialResponse")
		}

		mechanism, err := reader.GetString()
		if err != nil {
			return ctx, err
		}
		if mechanism != auth.Mechanism {
			return ctx, errors.New("unsupported SASL mechanism: " + mechanism)
		}

		clientFirstLen, err := reader.GetUint32()
		if err != nil {
			return ctx, err
		}
		clientFirstRaw, err := reader.GetBytes(int(clientFirstLen))
		if err != nil {
			return ctx, err
		}

		conv := auth.NewServerConversation(store, username)
		serverFirst, err := conv.Step1(string(clientFirstRaw))
		if err != nil {
			authErr := pgerror.WithCode(err, codes.InvalidPassword)
			if werr := ErrorCode(ctx, writer, authErr); werr != nil {
				return ctx, werr
			}
			return ctx, authErr
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(int32(authSASLContinue))
		writer.AddString(serverFirst)
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err = reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, errors.New("expected SASLResponse")
		}

		clientFinal, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		serverFinal, err := conv.Step2(clientFinal)
		if err != nil {
			authErr := pgerror.WithCode(err, codes.InvalidPassword)
			if werr := ErrorCode(ctx, writer, authErr); werr != nil {
				return ctx, werr
			}
			return ctx, authErr
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(int32(authSASLFinal))
		writer.AddString(serverFinal)
		if err := writer.End(); err != nil {
			return ctx, err
		}

		return ctx, writeAuthType(writer, authOK)
	}
}

// writeAuthType writes the auth type to the client informing the client about
// the authentication status and the expected data to be received.
func writeAuthType(writer *buffer.Writer, status authType) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	return writer.End()
}

// IsSuperUser checks whether the given connection context is a super user.
// IRIS has no analogous concept exposed over pgwire, so this always reports false.
func IsSuperUser(ctx context.Context) bool {
	return false
}

// AuthenticatedUsername returns the username of the authenticated user of the
// given connection context.
func AuthenticatedUsername(ctx context.Context) string {
	parameters := ClientParameters(ctx)
	return parameters[ParamUsername]
}
