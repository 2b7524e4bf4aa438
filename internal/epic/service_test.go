package epic

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/astro-cache/astro-cache/internal/asset"
	"github.com/astro-cache/astro-cache/internal/cache"
	"github.com/astro-cache/astro-cache/internal/upstream"
)

type fakeFetcher struct {
	mu        sync.Mutex
	resources []string
	payload   string
	limit     upstream.RateLimit
	err       error
	delay     time.Duration
}

func (f *fakeFetcher) FetchJSON(_ context.Context, resource string, _ url.Values, dest any) (upstream.RateLimit, error) {
	f.mu.Lock()
	f.resources = append(f.resources, resource)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return upstream.RateLimit{}, f.err
	}
	return f.limit, json.Unmarshal([]byte(f.payload), dest)
}

type fakeResolver struct {
	keys []asset.Key
	path string
	err  error
}

func (r *fakeResolver) Resolve(_ context.Context, key asset.Key) (string, error) {
	r.keys = append(r.keys, key)
	return r.path, r.err
}

const imagesPayload = `[{"identifier":"20190530011359","caption":"earth","image":"epic_1b_20190530011359","version":"03","centroid_coordinates":{"lat":12.5,"lon":-170.2},"date":"2019-05-30 00:13:59"}]`

func TestImagesFetchesAndCaches(t *testing.T) {
	store := newStore(t)
	remaining := 0
	fetcher := &fakeFetcher{payload: imagesPayload, limit: upstream.RateLimit{Remaining: &remaining}}
	svc := NewService(store, fetcher, &fakeResolver{}, nil)

	result, err := svc.Images(context.Background(), Query{Date: "2019-05-30", Natural: true})
	if err != nil {
		t.Fatalf("images error: %v", err)
	}
	if result.Status != upstream.StatusSuccess || len(result.Data) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Data[0].CentroidCoordinates.Lon != -170.2 {
		t.Fatalf("坐标解析错误: %+v", result.Data[0])
	}
	if result.RateLimit.Remaining == nil || *result.RateLimit.Remaining != 0 {
		t.Fatalf("限流信息应透传")
	}
	if len(fetcher.resources) != 1 || fetcher.resources[0] != "EPIC/api/natural/date/2019-05-30" {
		t.Fatalf("unexpected resources %v", fetcher.resources)
	}
	if !store.Exists(filepath.Join(store.Root(), "2019-05-30", "2019-05-30_natural.json")) {
		t.Fatalf("回源结果应写入缓存")
	}

	again, err := svc.Images(context.Background(), Query{Date: "2019-05-30", Natural: true})
	if err != nil {
		t.Fatalf("images error: %v", err)
	}
	if again.Status != upstream.StatusCached || again.RateLimit.Present() {
		t.Fatalf("第二次应命中缓存: %+v", again)
	}
	if len(fetcher.resources) != 1 {
		t.Fatalf("命中缓存不应回源")
	}
}

func TestImagesEnhancedAndDefaultDate(t *testing.T) {
	store := newStore(t)
	fetcher := &fakeFetcher{payload: `[]`}
	svc := NewService(store, fetcher, &fakeResolver{}, nil)
	svc.now = func() time.Time { return time.Date(2024, 1, 2, 10, 0, 0, 0, time.Local) }

	result, err := svc.Images(context.Background(), Query{})
	if err != nil {
		t.Fatalf("images error: %v", err)
	}
	if fetcher.resources[0] != "EPIC/api/enhanced/date/2024-01-02" {
		t.Fatalf("unexpected resource %s", fetcher.resources[0])
	}
	if result.Data == nil || len(result.Data) != 0 {
		t.Fatalf("空列表应返回非 nil 切片")
	}

	// 空列表不算命中，下次仍然回源
	if _, err := svc.Images(context.Background(), Query{}); err != nil {
		t.Fatalf("images error: %v", err)
	}
	if len(fetcher.resources) != 2 {
		t.Fatalf("缓存的空列表不应视为命中")
	}
}

func TestImagesCorruptCacheRefetches(t *testing.T) {
	store := newStore(t)
	path := store.PathFor("2019-05-30", "natural")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	fetcher := &fakeFetcher{payload: imagesPayload}
	svc := NewService(store, fetcher, &fakeResolver{}, nil)
	result, err := svc.Images(context.Background(), Query{Date: "2019-05-30", Natural: true})
	if err != nil || result.Status != upstream.StatusSuccess {
		t.Fatalf("损坏缓存应回源: %+v %v", result, err)
	}
}

func TestImagesPropagatesUpstreamError(t *testing.T) {
	store := newStore(t)
	fetcher := &fakeFetcher{err: &upstream.StatusError{Code: 400, Msg: "bad date"}}
	svc := NewService(store, fetcher, &fakeResolver{}, nil)

	_, err := svc.Images(context.Background(), Query{Date: "1990-01-01", Natural: true})
	var statusErr *upstream.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 400 {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if store.Exists(store.PathFor("1990-01-01", "natural")) {
		t.Fatalf("失败的请求不应写缓存")
	}
}

func TestAvailableDatesAndLatest(t *testing.T) {
	fetcher := &fakeFetcher{payload: `["2024-01-01","2024-01-02"]`}
	svc := NewService(newStore(t), fetcher, &fakeResolver{}, nil)

	dates, err := svc.AvailableDates(context.Background(), "")
	if err != nil || len(dates.Data) != 2 {
		t.Fatalf("unexpected dates %+v %v", dates, err)
	}
	if fetcher.resources[0] != "EPIC/api/natural/available" {
		t.Fatalf("unexpected resource %s", fetcher.resources[0])
	}

	fetcher.payload = imagesPayload
	latest, err := svc.Latest(context.Background())
	if err != nil || len(latest.Data) != 1 {
		t.Fatalf("unexpected latest %+v %v", latest, err)
	}
	if fetcher.resources[1] != "EPIC/api/natural/latest" {
		t.Fatalf("unexpected resource %s", fetcher.resources[1])
	}
}

func TestImagePathDelegatesToResolver(t *testing.T) {
	resolver := &fakeResolver{path: "/tmp/x.png"}
	svc := NewService(newStore(t), &fakeFetcher{}, resolver, nil)

	got, err := svc.ImagePath(context.Background(), "epic_1b_20190530011359")
	if err != nil || got != "/tmp/x.png" {
		t.Fatalf("unexpected result %s %v", got, err)
	}
	want := asset.Key{
		Date:       "2019-05-30",
		Identifier: "epic_1b_20190530011359",
		Resource:   "EPIC/archive/natural/2019/05/30/png/epic_1b_20190530011359.png",
	}
	if len(resolver.keys) != 1 || resolver.keys[0].Resource != want.Resource || resolver.keys[0].Date != want.Date || resolver.keys[0].Identifier != want.Identifier {
		t.Fatalf("unexpected key %+v", resolver.keys)
	}
}

func TestImagePathRejectsInvalidIdentifier(t *testing.T) {
	resolver := &fakeResolver{}
	svc := NewService(newStore(t), &fakeFetcher{}, resolver, nil)

	_, err := svc.ImagePath(context.Background(), "not-an-image")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
	if len(resolver.keys) != 0 {
		t.Fatalf("非法标识不应触发下载")
	}
}

func TestDateFromIdentifier(t *testing.T) {
	cases := map[string]string{
		"epic_1b_20190530011359":  "2019-05-30",
		"20240101000000":          "2024-01-01",
		"epic_RGB_20151031003633": "2015-10-31",
	}
	for identifier, want := range cases {
		got, ok := DateFromIdentifier(identifier)
		if !ok || got != want {
			t.Fatalf("%s: got %s %v, want %s", identifier, got, ok, want)
		}
	}
	if _, ok := DateFromIdentifier("epic_1b_19990530"); ok {
		t.Fatalf("非 20xx 日期应被拒绝")
	}
}

func TestParseType(t *testing.T) {
	if kind, ok := ParseType(""); !ok || kind != TypeNatural {
		t.Fatalf("空类型应默认为 natural")
	}
	if kind, ok := ParseType("enhanced"); !ok || kind != TypeEnhanced {
		t.Fatalf("unexpected type %s", kind)
	}
	if _, ok := ParseType("aerosol"); ok {
		t.Fatalf("未知类型应被拒绝")
	}
}

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.NewStore(filepath.Join(t.TempDir(), "epic"), nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return store
}

func TestImagesCoalescesConcurrentMisses(t *testing.T) {
	store := newStore(t)
	fetcher := &fakeFetcher{payload: imagesPayload, delay: 50 * time.Millisecond}
	svc := NewService(store, fetcher, &fakeResolver{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Images(context.Background(), Query{Date: "2019-05-30", Natural: true})
			if err == nil && len(result.Data) != 1 {
				err = errors.New("unexpected data")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("images error: %v", err)
		}
	}
	if len(fetcher.resources) != 1 {
		t.Fatalf("并发未命中只应回源一次，实际 %d 次", len(fetcher.resources))
	}
}

func TestImagesFetchSurvivesCallerCancellation(t *testing.T) {
	store := newStore(t)
	svc := NewService(store, &cancelAwareFetcher{payload: imagesPayload}, &fakeResolver{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Images(ctx, Query{Date: "2019-05-30", Natural: true}); err != nil {
		t.Fatalf("共享回源不应继承调用方的取消: %v", err)
	}
}

// cancelAwareFetcher 在 ctx 已取消时失败，用于确认回源使用的是脱离取消的 ctx。
type cancelAwareFetcher struct {
	payload string
}

func (f *cancelAwareFetcher) FetchJSON(ctx context.Context, _ string, _ url.Values, dest any) (upstream.RateLimit, error) {
	if err := ctx.Err(); err != nil {
		return upstream.RateLimit{}, err
	}
	return upstream.RateLimit{}, json.Unmarshal([]byte(f.payload), dest)
}
