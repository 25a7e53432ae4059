// judgecheck checks the Iris gateway and the judges the bot depends on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/cpduel-kakao-bot/internal/config"
	"github.com/park285/cpduel-kakao-bot/internal/cpbuilder"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/internal/irisfast"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
)

func main() {
	handle := flag.String("handle", "", "judge handle to look up")
	platform := flag.String("platform", "cf", "cf, ac or lc")
	days := flag.Int("days", 7, "submission lookback in days")
	listen := flag.Duration("listen", 0, "also watch the Iris socket for this long")
	contests := flag.Bool("contests", false, "list upcoming contests")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config incomplete (%v); using defaults for judges", err)
		cfg = config.Defaults()
	}

	if cfg.IrisBaseURL != "" {
		checkIris(cfg, *listen)
	}
	if *contests {
		checkContests(cpbuilder.JudgeSources(cfg))
	}
	if *handle == "" {
		return
	}
	p, ok := domain.ParsePlatform(*platform)
	if !ok {
		log.Fatalf("unknown platform %q", *platform)
	}
	checkJudge(cpbuilder.JudgeSources(cfg), p, *handle, *days)
}

func checkIris(cfg *config.AppConfig, listen time.Duration) {
	headers := irisfast.HeaderSet(cfg.XUserID, cfg.XUserEmail, cfg.XSessionID)
	client := irisfast.NewClient(cfg.IrisBaseURL,
		fastcall.WithHeaderProvider(headers),
		fastcall.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ic, err := client.GetConfig(ctx)
	if err != nil {
		log.Printf("/config error: %v", err)
	} else {
		log.Printf("/config ok: port=%d polling=%d rate=%d endpoint=%s", ic.Port, ic.PollingSpeed, ic.MessageRate, ic.WebserverEndpoint)
	}

	if cfg.IrisWSURL == "" || listen <= 0 {
		return
	}
	ws := irisfast.NewWebSocket(cfg.IrisWSURL, 0, time.Second)
	ws.SetHeaderProvider(headers)
	ws.OnStateChange(func(state irisfast.WebSocketState) {
		log.Printf("WS state: %s", state)
	})
	ws.OnMessage(func(msg *irisfast.Message) {
		fmt.Printf("WS msg room=%s user=%s text=%q\n", msg.Room, msg.UserID(), msg.Msg)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	time.Sleep(listen)
	_ = ws.Close(context.Background())
}

func checkJudge(sources *judge.Registry, p domain.Platform, handle string, days int) {
	src, err := sources.Get(p)
	if err != nil {
		log.Fatalf("%s: %v", p, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := src.Rating(ctx, handle)
	if err != nil {
		log.Fatalf("%s rating: %v", p, err)
	}
	log.Printf("%s %s: rating=%d max=%d rank=%q", p, info.Handle, info.Rating, info.MaxRating, info.Rank)

	since := time.Now().AddDate(0, 0, -days)
	var total, accepted int
	for sub, err := range src.Submissions(ctx, handle, since) {
		if err != nil {
			log.Fatalf("%s submissions: %v", p, err)
		}
		total++
		if sub.Verdict.Accepted() {
			accepted++
		}
	}
	log.Printf("%s %s: %d submissions, %d accepted in the last %d days", p, handle, total, accepted, days)
}

func checkContests(sources *judge.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, l := range sources.ContestListers() {
		cs, err := l.Upcoming(ctx)
		if err != nil {
			log.Printf("%s contests: %v", l.Platform(), err)
			continue
		}
		log.Printf("%s: %d upcoming", l.Platform(), len(cs))
		for _, c := range cs {
			fmt.Printf("  %s  %-40s %s  %s\n", c.Start.Local().Format("2006-01-02 15:04"), c.Name, c.Duration, c.URL)
		}
	}
}
