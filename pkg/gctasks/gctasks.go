package gctasks

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type Client interface {
	CreateTask(queueID string, request Request) (err error)
	DeferCreateTaskInDuration(queueID string, request Request, duration time.Duration) (err error)
	Close() error
}

const (
	locationID = "asia-southeast2"
)

type tasksClientImpl struct {
	projectID string
	logger    *logrus.Logger
	client    *cloudtasks.Client
}

type Request struct {
	URL    string
	Method cloudtaskspb.HttpMethod
	Header map[string]string
	Body   []byte
}

func NewGCTasks(logger *logrus.Logger, projectID string, credsJson []byte) Client {
	c, err := cloudtasks.NewClient(context.Background(), option.WithCredentialsJSON(credsJson))
	if err != nil {
		logger.WithField("object", "gctasks").Error(err)
		return nil
	}

	return &tasksClientImpl{
		logger:    logger,
		client:    c,
		projectID: projectID,
	}
}

func (tc *tasksClientImpl) Close() error {
	return tc.client.Close()
}

func (tc *tasksClientImpl) CreateTask(queueID string, request Request) (err error) {
	return tc.createTask(queueID, request, nil)
}

func (tc *tasksClientImpl) DeferCreateTaskInDuration(queueID string, request Request, duration time.Duration) (err error) {
	schedule := &timestamppb.Timestamp{
		Seconds: time.Now().Add(duration).Unix(),
	}

	return tc.createTask(queueID, request, schedule)
}

func (tc *tasksClientImpl) createTask(queueID string, request Request, schedule *timestamppb.Timestamp) error {
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", tc.projectID, locationID, queueID)

	task := &cloudtaskspb.Task{
		MessageType: &cloudtaskspb.Task_HttpRequest{
			HttpRequest: &cloudtaskspb.HttpRequest{
				Url:        request.URL,
				HttpMethod: request.Method,
				Headers:    request.Header,
				Body:       request.Body,
			},
		},
		ScheduleTime: schedule,
	}

	_, err := tc.client.CreateTask(context.Background(), &cloudtaskspb.CreateTaskRequest{
		Parent: queuePath,
		Task:   task,
	})
	if err != nil {
		tc.logger.WithFields(logrus.Fields{
			"object":  "gctasks",
			"queueId": queueID,
		}).Error(err)
		return err
	}

	return nil
}
