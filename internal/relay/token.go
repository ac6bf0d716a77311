package relay

import "context"

// Token is a one-shot cancellation signal for one relay direction. Cancel is
// idempotent and safe for concurrent use.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken returns a Token that is also cancelled when parent is done.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel fires the token. Later calls do nothing.
func (t *Token) Cancel() {
	t.cancel()
}

// Cancelled reports, without blocking, whether the token fired.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context that is done once the token fires.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Tokens holds one Token per relay direction.
type Tokens struct {
	ToDestination *Token
	ToClient      *Token
}

// NewTokens returns a fresh pair of tokens derived from parent.
func NewTokens(parent context.Context) Tokens {
	return Tokens{
		ToDestination: NewToken(parent),
		ToClient:      NewToken(parent),
	}
}

// Cancel fires both tokens.
func (ts Tokens) Cancel() {
	ts.ToDestination.Cancel()
	ts.ToClient.Cancel()
}
