package nodemcu

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/strikenet/internal/console"
)

// poll evaluates st until done accepts the printed line. Each iteration is
// one console round trip with no added delay. Once the timeout has passed
// after an unaccepted reply poll returns expired; console errors end it at
// once.
func (r *Radio) poll(ctx context.Context, st *console.Statement, capacity int, expired error, done func(string) (bool, error)) (string, error) {
	deadline := time.Now().Add(r.pollTimeout)
	for polls := 1; ; polls++ {
		reply, err := r.s.Eval(st, capacity)
		if err != nil {
			return "", err
		}
		if reply.Truncated {
			return "", fmt.Errorf("%w: %q is longer than %d bytes", ErrReply, reply.Text, capacity)
		}
		ok, err := done(reply.String())
		if err != nil {
			return "", err
		}
		if ok {
			pollIterations.Observe(float64(polls))
			return reply.String(), nil
		}
		if !time.Now().Before(deadline) {
			pollIterations.Observe(float64(polls))
			return "", expired
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

func notNil(reply string) (bool, error) {
	return reply != nilReply, nil
}

func isNil(reply string) (bool, error) {
	return reply == nilReply, nil
}
