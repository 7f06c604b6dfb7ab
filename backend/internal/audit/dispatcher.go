package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主链路（Record 只负责入队，队列满直接丢）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 没配 Kafka（producer 为 nil）时事件直接消化掉，开发环境零依赖
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	instanceID string
	queue      chan LifecycleEvent
	gate       *SendGate

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// drained 置位后 Record 变成空操作：Close 之后的迟到调用不能撞上
	// 已关闭的 queue
	mu      sync.RWMutex
	drained bool

	done chan struct{}
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, instanceID string, gate *SendGate, opt DispatcherOptions) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		instanceID:  instanceID,
		queue:       make(chan LifecycleEvent, opt.QueueSize),
		gate:        gate,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		done:        make(chan struct{}),
	}
	d.start()
	return d
}

// Record 把生命周期事件放入本地队列。
// - nil Dispatcher 安全（组件可以不接审计）
// - 队列满直接丢弃：审计不允许反压业务路径
func (d *Dispatcher) Record(evt LifecycleEvent) {
	if d == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	evt.InstanceID = d.instanceID

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.drained {
		return
	}
	select {
	case d.queue <- evt:
	default:
		log.Printf("audit queue full, drop event type=%s", evt.EventType)
	}
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

// Close 停止接收并等 worker 把队列里剩余的事件发完。重复调用安全。
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.drained {
		d.mu.Unlock()
		return
	}
	d.drained = true
	close(d.queue)
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		<-d.done
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer func() { d.done <- struct{}{} }()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt LifecycleEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.gate != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.gate.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.gate != nil {
			d.gate.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event type=%s conn=%s worker=%d err=%v",
				evt.EventType, evt.ConnID, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt LifecycleEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ConnID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
