package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	tradesRead      int64
	tradesDropped   int64
	profilesCalced  int64
	flowsCalced     int64
	calcErrors      int64
	storageWrites   int64
	archiveWrites   int64
	reconnects      int64
	componentWarns  sync.Map // map[string]*int64
	componentErrors sync.Map // map[string]*int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	v, _ := componentWarns.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := componentErrors.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// IncrementTradeRead records one decoded trade message of the given byte size
// on the exchange's websocket channel.
func IncrementTradeRead(exchange string, size int) {
	atomic.AddInt64(&tradesRead, 1)
	recordChannel(exchange+"_ws", size)
}

// IncrementTradeDropped records a trade batch dropped on a saturated channel.
func IncrementTradeDropped() {
	atomic.AddInt64(&tradesDropped, 1)
}

// IncrementProfileCalc records one completed volume profile calculation.
func IncrementProfileCalc() {
	atomic.AddInt64(&profilesCalced, 1)
}

// IncrementFlowCalc records one completed order flow calculation.
func IncrementFlowCalc() {
	atomic.AddInt64(&flowsCalced, 1)
}

// IncrementCalcError records a failed indicator calculation.
func IncrementCalcError() {
	atomic.AddInt64(&calcErrors, 1)
}

// IncrementStorageWrite records a persisted batch or snapshot.
func IncrementStorageWrite(size int) {
	atomic.AddInt64(&storageWrites, 1)
	recordChannel("storage_write", size)
}

// IncrementArchiveWrite records an archive file upload.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

// IncrementReconnect records one collector reconnection attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
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

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	warnData := map[string]int64{}
	componentWarns.Range(func(k, v any) bool {
		warnData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errorData := map[string]int64{}
	componentErrors.Range(func(k, v any) bool {
		errorData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"trades_read":        atomic.LoadInt64(&tradesRead),
		"trades_dropped":     atomic.LoadInt64(&tradesDropped),
		"profiles_computed":  atomic.LoadInt64(&profilesCalced),
		"flows_computed":     atomic.LoadInt64(&flowsCalced),
		"calc_errors":        atomic.LoadInt64(&calcErrors),
		"storage_writes":     atomic.LoadInt64(&storageWrites),
		"archive_writes":     atomic.LoadInt64(&archiveWrites),
		"reconnects":         atomic.LoadInt64(&reconnects),
		"warns_by_component": warnData,
		"errors_by_component": errorData,
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
		"channels":           channelData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("TradesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tradesRead)))},
		cwtypes.MetricDatum{MetricName: aws.String("TradesDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tradesDropped)))},
		cwtypes.MetricDatum{MetricName: aws.String("ProfilesComputed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&profilesCalced)))},
		cwtypes.MetricDatum{MetricName: aws.String("FlowsComputed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&flowsCalced)))},
		cwtypes.MetricDatum{MetricName: aws.String("CalcErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&calcErrors)))},
		cwtypes.MetricDatum{MetricName: aws.String("StorageWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&storageWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
