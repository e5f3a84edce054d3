// Command smoke-enroll races members for the seats of one course on a
// running API and checks that the seat counter never overshoots.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ledger"
)

type client struct {
	baseURL string
	http    *http.Client
	signer  *auth.Signer
}

func main() {
	log.SetFlags(0)
	var (
		baseURL  = flag.String("base-url", "http://localhost:8080", "API base URL")
		secret   = flag.String("secret", os.Getenv("GYM_AUTH_SECRET"), "HS256 signing secret shared with the API")
		issuer   = flag.String("issuer", "gymmaster", "Token issuer")
		courseID = flag.String("course", "1", "Course to race for")
		members  = flag.String("members", "4,5", "Comma separated member ids")
		adminID  = flag.String("admin", "1", "Admin id used for reads and cleanup")
		attempts = flag.Int("attempts", 3, "Concurrent register attempts per member")
		cleanup  = flag.Bool("cleanup", true, "Cancel created enrollments afterwards")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	signer, err := auth.NewSigner(*secret, auth.WithIssuer(*issuer))
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	c := &client{baseURL: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}, signer: signer}

	before, err := c.course(ctx, *adminID, *courseID)
	if err != nil {
		log.Fatalf("read course: %v", err)
	}
	log.Printf("course %s: occupied=%d capacity=%d status=%s", before.ID, before.Occupied, before.Capacity, before.Status)

	var (
		mu        sync.Mutex
		created   = map[string][]string{}
		conflicts int64
		forbidden int64
		limited   int64
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, member := range splitIDs(*members) {
		for i := 0; i < *attempts; i++ {
			g.Go(func() error {
				status, body, err := c.do(gctx, http.MethodPost, member, "/v1/courses/"+*courseID+"/enrollments")
				if err != nil {
					return fmt.Errorf("member %s: %w", member, err)
				}
				switch status {
				case http.StatusCreated:
					var e ledger.Enrollment
					if err := json.Unmarshal(body, &e); err != nil {
						return fmt.Errorf("member %s: decode enrollment: %w", member, err)
					}
					mu.Lock()
					created[member] = append(created[member], e.ID)
					mu.Unlock()
				case http.StatusConflict:
					atomic.AddInt64(&conflicts, 1)
				case http.StatusForbidden:
					atomic.AddInt64(&forbidden, 1)
				case http.StatusTooManyRequests:
					atomic.AddInt64(&limited, 1)
				default:
					return fmt.Errorf("member %s: unexpected %d: %s", member, status, strings.TrimSpace(string(body)))
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("race: %v", err)
	}

	after, err := c.course(ctx, *adminID, *courseID)
	if err != nil {
		log.Fatalf("read course: %v", err)
	}

	var total uint
	var failures []string
	for member, ids := range created {
		total += uint(len(ids))
		if len(ids) > 1 {
			failures = append(failures, fmt.Sprintf("member %s holds %d live enrollments", member, len(ids)))
		}
	}
	if total > before.Available() {
		failures = append(failures, fmt.Sprintf("%d reservations succeeded with only %d seats free", total, before.Available()))
	}
	if after.Occupied > after.Capacity {
		failures = append(failures, fmt.Sprintf("occupied %d exceeds capacity %d", after.Occupied, after.Capacity))
	}
	if after.Occupied != before.Occupied+total {
		failures = append(failures, fmt.Sprintf("occupied moved %d -> %d for %d reservations", before.Occupied, after.Occupied, total))
	}
	log.Printf("race done: created=%d conflicts=%d forbidden=%d rate_limited=%d occupied=%d/%d",
		total, conflicts, forbidden, limited, after.Occupied, after.Capacity)

	if *cleanup && total > 0 {
		for _, ids := range created {
			for _, id := range ids {
				status, body, err := c.do(ctx, http.MethodPost, *adminID, "/v1/enrollments/"+id+"/cancel")
				if err != nil || status != http.StatusOK {
					failures = append(failures, fmt.Sprintf("cancel %s: status=%d err=%v body=%s", id, status, err, strings.TrimSpace(string(body))))
				}
			}
		}
		final, err := c.course(ctx, *adminID, *courseID)
		if err != nil {
			log.Fatalf("read course: %v", err)
		}
		if final.Occupied != before.Occupied {
			failures = append(failures, fmt.Sprintf("occupied %d after cleanup, want %d", final.Occupied, before.Occupied))
		}
	}

	if len(failures) > 0 {
		for _, f := range failures {
			log.Printf("FAIL: %s", f)
		}
		os.Exit(1)
	}
	log.Println("OK")
}

func (c *client) course(ctx context.Context, actorID, courseID string) (catalog.Course, error) {
	status, body, err := c.do(ctx, http.MethodGet, actorID, "/v1/courses/"+courseID)
	if err != nil {
		return catalog.Course{}, err
	}
	if status != http.StatusOK {
		return catalog.Course{}, fmt.Errorf("course %s: status %d: %s", courseID, status, strings.TrimSpace(string(body)))
	}
	var out catalog.Course
	if err := json.Unmarshal(body, &out); err != nil {
		return catalog.Course{}, err
	}
	return out, nil
}

func (c *client) do(ctx context.Context, method, actorID, path string) (int, []byte, error) {
	token, _, err := c.signer.Sign(actorID, 5*time.Minute)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
