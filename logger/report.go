package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch    int64
	errorsRouter   int64
	warnsFetch     int64
	warnsRouter    int64
	requestsIssued int64
	barsReceived   int64
	recordsWritten int64
	uploads        int64
	streams        sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "fetch") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "router") {
		atomic.AddInt64(&warnsRouter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "fetch") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "router") {
		atomic.AddInt64(&errorsRouter, 1)
	}
}

func IncrementRequestIssued() {
	atomic.AddInt64(&requestsIssued, 1)
	recordStream("gateway_request", 0)
}

func IncrementBarReceived(size int) {
	atomic.AddInt64(&barsReceived, 1)
	recordStream("gateway_bar", size)
}

func IncrementRecordWritten(size int) {
	atomic.AddInt64(&recordsWritten, 1)
	recordStream("sink_write", size)
}

func IncrementUpload(size int64) {
	atomic.AddInt64(&uploads, 1)
	recordStream("s3_upload", int(size))
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_fetch":    atomic.LoadInt64(&errorsFetch),
		"errors_router":   atomic.LoadInt64(&errorsRouter),
		"warns_fetch":     atomic.LoadInt64(&warnsFetch),
		"warns_router":    atomic.LoadInt64(&warnsRouter),
		"requests_issued": atomic.LoadInt64(&requestsIssued),
		"bars_received":   atomic.LoadInt64(&barsReceived),
		"records_written": atomic.LoadInt64(&recordsWritten),
		"uploads":         atomic.LoadInt64(&uploads),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"streams":         streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsRouter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_router"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsRouter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_router"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RequestsIssued"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["requests_issued"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BarsReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["bars_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["records_written"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["uploads"].(int64)))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
