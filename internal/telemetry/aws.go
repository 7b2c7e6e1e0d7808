package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/sirupsen/logrus"
)

const (
	cpuWindow = 5 * time.Minute
	cpuPeriod = 60

	// GetMetricData 单次请求最多 500 个查询
	maxMetricQueries = 500
)

// AutoScalingAPI 用到的 Auto Scaling 接口
type AutoScalingAPI interface {
	DescribeAutoScalingInstances(ctx context.Context, params *autoscaling.DescribeAutoScalingInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error)
}

// EC2API 用到的 EC2 接口
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// CloudWatchAPI 用到的 CloudWatch 接口
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

// AWSSource 基于 Auto Scaling 组的舰队：成员来自 ASG，地址来自 EC2 公网IP，CPU 来自 CloudWatch
type AWSSource struct {
	autoScaling AutoScalingAPI
	ec2         EC2API
	cloudWatch  CloudWatchAPI
	now         func() time.Time
	logger      *logrus.Logger
}

// NewAWSSource 使用已有客户端创建数据源
func NewAWSSource(as AutoScalingAPI, ec2Client EC2API, cw CloudWatchAPI, logger *logrus.Logger) *AWSSource {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &AWSSource{
		autoScaling: as,
		ec2:         ec2Client,
		cloudWatch:  cw,
		now:         time.Now,
		logger:      logger,
	}
}

// NewAWSSourceFromRegion 从默认凭证链加载AWS配置
func NewAWSSourceFromRegion(ctx context.Context, region string, logger *logrus.Logger) (*AWSSource, error) {
	if region == "" {
		return nil, fmt.Errorf("aws region not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewAWSSource(
		autoscaling.NewFromConfig(awsCfg),
		ec2.NewFromConfig(awsCfg),
		cloudwatch.NewFromConfig(awsCfg),
		logger,
	), nil
}

// ListWorkerIDs 列出所有 Auto Scaling 实例
func (s *AWSSource) ListWorkerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	input := &autoscaling.DescribeAutoScalingInstancesInput{}

	for {
		out, err := s.autoScaling.DescribeAutoScalingInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe auto scaling instances: %w", err)
		}
		for _, inst := range out.AutoScalingInstances {
			if id := aws.ToString(inst.InstanceId); id != "" {
				ids = append(ids, id)
			}
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	s.logger.Debugf("Listed %d auto scaling instances", len(ids))
	return ids, nil
}

// ResolveAddresses 查询实例公网IP
func (s *AWSSource) ResolveAddresses(ctx context.Context, ids []string) (map[string]string, error) {
	result := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	for {
		out, err := s.ec2.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				id, ip := aws.ToString(inst.InstanceId), aws.ToString(inst.PublicIpAddress)
				if id != "" && ip != "" {
					result[id] = ip
				}
			}
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	return result, nil
}

// SampleCPU 读取最近5分钟、60秒粒度的平均CPU利用率，取最新的数据点
func (s *AWSSource) SampleCPU(ctx context.Context, ids []string) (map[string]float64, error) {
	result := make(map[string]float64, len(ids))
	end := s.now()
	start := end.Add(-cpuWindow)

	for lo := 0; lo < len(ids); lo += maxMetricQueries {
		hi := lo + maxMetricQueries
		if hi > len(ids) {
			hi = len(ids)
		}

		input := &cloudwatch.GetMetricDataInput{
			StartTime:         aws.Time(start),
			EndTime:           aws.Time(end),
			MetricDataQueries: cpuQueries(ids[lo:hi]),
			ScanBy:            cwtypes.ScanByTimestampDescending,
		}

		for {
			out, err := s.cloudWatch.GetMetricData(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("failed to get cpu metrics: %w", err)
			}
			for _, r := range out.MetricDataResults {
				id := aws.ToString(r.Label)
				if id == "" || len(r.Values) == 0 {
					continue
				}
				// 分页时只保留最新的点
				if _, seen := result[id]; !seen {
					result[id] = r.Values[0]
				}
			}
			if aws.ToString(out.NextToken) == "" {
				break
			}
			input.NextToken = out.NextToken
		}
	}

	return result, nil
}

func cpuQueries(ids []string) []cwtypes.MetricDataQuery {
	queries := make([]cwtypes.MetricDataQuery, len(ids))
	for i, id := range ids {
		queries[i] = cwtypes.MetricDataQuery{
			// Id 只能是字母数字，用下标而不是实例ID
			Id:    aws.String(fmt.Sprintf("cpu%d", i)),
			Label: aws.String(id),
			MetricStat: &cwtypes.MetricStat{
				Metric: &cwtypes.Metric{
					Namespace:  aws.String("AWS/EC2"),
					MetricName: aws.String("CPUUtilization"),
					Dimensions: []cwtypes.Dimension{{Name: aws.String("InstanceId"), Value: aws.String(id)}},
				},
				Period: aws.Int32(cpuPeriod),
				Stat:   aws.String("Average"),
			},
			ReturnData: aws.Bool(true),
		}
	}
	return queries
}
