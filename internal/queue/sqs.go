package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// maxSQSDelay is the SQS DelaySeconds ceiling. Longer retry backoffs are
// capped here; the worker re-checks delivery state on pickup so an early
// job is harmless.
const maxSQSDelay = 900 * time.Second

// SQS is a durable job queue backed by AWS SQS. Redelivery of unacked
// messages via the queue's visibility timeout is the job-runner retry
// tier; the queue's own maxReceiveCount/DLQ policy bounds it.
type SQS struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// SQSConfig holds SQS queue settings.
type SQSConfig struct {
	Region   string
	QueueURL string
}

// NewSQS creates an SQS-backed queue.
func NewSQS(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQS{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends a job to SQS, delayed by up to the SQS cap.
func (q *SQS) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	job.EnqueuedAt = time.Now().UnixNano()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		input.DelaySeconds = int32(delay / time.Second)
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}

	return nil
}

// Run long-polls the queue with the given concurrency until ctx is
// cancelled. A message is deleted only when the handler succeeds; on
// handler error it stays on the queue and reappears after the
// visibility timeout. That redelivery, bounded by the queue's
// maxReceiveCount policy, is the job-runner retry tier.
func (q *SQS) Run(ctx context.Context, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *SQS) consumeLoop(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("sqs receive failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			q.handleMessage(ctx, handler, msg)
		}
	}
}

func (q *SQS) handleMessage(ctx context.Context, handler Handler, msg types.Message) {
	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		q.logger.Error("dropping malformed job message", zap.Error(err))
		q.deleteMessage(ctx, msg)
		return
	}

	if err := handler(ctx, job); err != nil {
		// leave the message for visibility-timeout redelivery
		q.logger.Warn("job handler failed",
			zap.String("delivery_id", job.DeliveryID.String()),
			zap.Error(err),
		)
		return
	}

	q.deleteMessage(ctx, msg)
}

func (q *SQS) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
