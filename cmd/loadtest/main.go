// Команда loadtest гоняет сценарии платёжных заявок против payment-service по gRPC
// и печатает сводку латентностей и кодов ответа.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/paysaga/internal/service/grpc"
)

const (
	defaultUnitPrice = int64(15000)
	defaultQuantity  = int32(1)
)

// Имена строк в отчёте.
const (
	scenarioMethod       = "scenario"
	methodRequestPayment = "RequestPayment"
	methodChargePayment  = "ChargePayment"
	methodRefundPayment  = "RefundPayment"
)

type loadMode string

const (
	// modeRequest только создаёт заявки.
	modeRequest loadMode = "request"
	// modeRequestCharge создаёт заявку и списывает её через ChargePayment.
	modeRequestCharge loadMode = "request-charge"
	// modeRequestChargeRefund дополнительно делает полный возврат.
	modeRequestChargeRefund loadMode = "request-charge-refund"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	refundRate  int
	targetType  domain.TargetType
	unitPrice   int64
	quantity    int
	buyerTag    string
	outputPath  string
}

// paymentClient — часть *grpcsvc.PaymentServiceClient, которую дёргают сценарии.
type paymentClient interface {
	RequestPayment(ctx context.Context, in *grpcsvc.RequestPaymentRequest, opts ...grpc.CallOption) (*grpcsvc.RequestPaymentResponse, error)
	ChargePayment(ctx context.Context, in *grpcsvc.ChargePaymentRequest, opts ...grpc.CallOption) (*grpcsvc.CompletePaymentResponse, error)
	RefundPayment(ctx context.Context, in *grpcsvc.RefundPaymentRequest, opts ...grpc.CallOption) (*grpcsvc.RefundPaymentResponse, error)
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		cfg        config
		modeValue  string
		targetType string
	)

	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "payment-service gRPC address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound only when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeRequest), "load mode: request | request-charge | request-charge-refund")
	fs.IntVar(&cfg.refundRate, "refund-rate", 0, "refund probability in percent for request-charge mode (0..100)")
	fs.StringVar(&targetType, "target-type", string(domain.TargetTypeReservation), "target type of requested payments")
	fs.Int64Var(&cfg.unitPrice, "unit-price", defaultUnitPrice, "unit price in KRW")
	fs.IntVar(&cfg.quantity, "quantity", int(defaultQuantity), "quantity per payment request")
	fs.StringVar(&cfg.buyerTag, "buyer-tag", "load", "buyer name prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	cfg.targetType, err = domain.ParseTargetType(targetType)
	if err != nil {
		return cfg, fmt.Errorf("target-type: %w", err)
	}

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.unitPrice < 0:
		return cfg, errors.New("unit-price must be >= 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.unitPrice == 0 && cfg.mode != modeRequest:
		return cfg, errors.New("free payments complete on request; use -mode=request with unit-price=0")
	case cfg.refundRate < 0 || cfg.refundRate > 100:
		return cfg, errors.New("refund-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.buyerTag) == "":
		return cfg, errors.New("buyer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeRequest, modeRequestCharge, modeRequestChargeRefund:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := run(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func run(cfg config) (report, error) {
	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	clients := make([]paymentClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, err := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return report{}, fmt.Errorf("create grpc client connection: %w", err)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewPaymentServiceClient(conn))
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client paymentClient) {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(client, cfg, index, runID, col)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client paymentClient, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		col.record(scenarioMethod, time.Since(scenarioStart), grpcCode(err))
	}()

	requested, err := callRequestPayment(client, cfg, index, runID, col)
	if err != nil {
		return err
	}
	if requested == nil || requested.MerchantUID == "" {
		return status.Error(codes.Internal, "request response returned empty merchant_uid")
	}
	if cfg.mode == modeRequest {
		return nil
	}

	charged, err := callChargePayment(client, cfg.timeout, requested.MerchantUID, col)
	if err != nil {
		return err
	}
	if charged == nil || charged.Status != string(domain.PaymentStatusCompleted) {
		return status.Error(codes.Internal, "charge did not complete the payment")
	}

	if cfg.mode == modeRequestChargeRefund || shouldRefund(index, cfg.refundRate) {
		key := fmt.Sprintf("lt-refund-%s-%d", runID, index)
		return callRefundPayment(client, cfg.timeout, charged.PaymentID, charged.Amount, key, col)
	}
	return nil
}

func callRequestPayment(client paymentClient, cfg config, index int, runID string, col *collector) (*grpcsvc.RequestPaymentResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.RequestPayment(ctx, &grpcsvc.RequestPaymentRequest{
		TargetType: string(cfg.targetType),
		Quantity:   int32(cfg.quantity),
		UnitPrice:  cfg.unitPrice,
		BuyerName:  fmt.Sprintf("%s-%s-%d", cfg.buyerTag, runID, index),
	})
	col.record(methodRequestPayment, time.Since(start), grpcCode(err))
	return resp, err
}

func callChargePayment(client paymentClient, timeout time.Duration, merchantUID string, col *collector) (*grpcsvc.CompletePaymentResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.ChargePayment(ctx, &grpcsvc.ChargePaymentRequest{MerchantUID: merchantUID})
	col.record(methodChargePayment, time.Since(start), grpcCode(err))
	return resp, err
}

func callRefundPayment(client paymentClient, timeout time.Duration, paymentID string, amount int64, key string, col *collector) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)

	start := time.Now()
	_, err := client.RefundPayment(ctx, &grpcsvc.RefundPaymentRequest{
		PaymentID: paymentID,
		Amount:    amount,
		Reason:    "load-refund",
	})
	col.record(methodRefundPayment, time.Since(start), grpcCode(err))
	return err
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func shouldRefund(index, refundRate int) bool {
	if refundRate <= 0 {
		return false
	}
	if refundRate >= 100 {
		return true
	}
	return index%100 < refundRate
}
