package coriam

import (
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	log "github.com/sirupsen/logrus"
)

// IAMClient provisions the execution role of the remote test-job function.
type IAMClient struct {
	iamiface.IAMAPI
}

// AssumePolicyDocument lets the Lambda service assume the role.
const AssumePolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "",
      "Effect": "Allow",
      "Principal": {
        "Service": [
          "lambda.amazonaws.com"
        ]
      },
      "Action": "sts:AssumeRole"
    }
  ]
}`

// AttachPolicyDocument grants the function read access to S3 inputs, write
// access for spilled output and permission to write its logs.
const AttachPolicyDocument = `{
    "Version": "2012-10-17",
    "Statement": [
        {
            "Effect": "Allow",
            "Action": [
                "s3:GetObject",
                "s3:ListBucket",
                "s3:PutObject",
                "s3:DeleteObject"
            ],
            "Resource": "arn:aws:s3:::*"
        },
        {
            "Effect": "Allow",
            "Action": [
                "logs:CreateLogGroup",
                "logs:CreateLogStream",
                "logs:PutLogEvents"
            ],
            "Resource": "*"
        }
    ]
}`

const testJobPolicyName = "testjob-permissions"

// policyMatches compares a policy document returned by IAM, which is
// URL-encoded, against an expected document.
func policyMatches(returned *string, expected string) bool {
	if returned == nil {
		return false
	}
	decoded, err := url.QueryUnescape(*returned)
	if err != nil {
		decoded = *returned
	}
	return decoded == expected
}

func (iamClient *IAMClient) deployRole(roleName string) (roleARN string, err error) {
	getParams := &iam.GetRoleInput{
		RoleName: aws.String(roleName),
	}
	exists, err := iamClient.GetRole(getParams)

	// Role already exists
	if exists != nil && err == nil {
		if !policyMatches(exists.Role.AssumeRolePolicyDocument, AssumePolicyDocument) {
			log.Debugf("Updating assume role policy of IAM role '%s'", roleName)
			_, err = iamClient.UpdateAssumeRolePolicy(&iam.UpdateAssumeRolePolicyInput{
				PolicyDocument: aws.String(AssumePolicyDocument),
				RoleName:       aws.String(roleName),
			})
			if err != nil {
				return "", err
			}
		} else {
			log.Debugf("IAM Role '%s' already exists", roleName)
		}
		return *exists.Role.Arn, nil
	}

	createParams := &iam.CreateRoleInput{
		AssumeRolePolicyDocument: aws.String(AssumePolicyDocument),
		RoleName:                 aws.String(roleName),
	}
	log.Debugf("Creating IAM role '%s'", roleName)
	role, err := iamClient.CreateRole(createParams)
	if err != nil {
		return "", err
	}
	return *role.Role.Arn, err
}

func (iamClient *IAMClient) deployPolicy(roleName string) error {
	getParams := &iam.GetRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(testJobPolicyName),
	}

	exists, err := iamClient.GetRolePolicy(getParams)

	// Policy already exists and is current
	if exists != nil && err == nil && policyMatches(exists.PolicyDocument, AttachPolicyDocument) {
		log.Debugf("Policy '%s' already exists", testJobPolicyName)
		return nil
	}

	createParams := &iam.PutRolePolicyInput{
		PolicyName:     aws.String(testJobPolicyName),
		PolicyDocument: aws.String(AttachPolicyDocument),
		RoleName:       aws.String(roleName),
	}

	log.Debugf("Putting policy '%s'", *createParams.PolicyName)
	_, err = iamClient.PutRolePolicy(createParams)
	return err
}

// DeployPermissions creates or updates the role named roleName and its
// inline policy, returning the role ARN.
func (iamClient *IAMClient) DeployPermissions(roleName string) (roleARN string, err error) {
	roleARN, err = iamClient.deployRole(roleName)
	if err != nil {
		return roleARN, err
	}

	err = iamClient.deployPolicy(roleName)

	return roleARN, err
}

// DeletePermissions removes the inline policy and then the role.
func (iamClient *IAMClient) DeletePermissions(roleName string) error {
	_, err := iamClient.DeleteRolePolicy(&iam.DeleteRolePolicyInput{
		PolicyName: aws.String(testJobPolicyName),
		RoleName:   aws.String(roleName),
	})
	if err != nil {
		return err
	}

	_, err = iamClient.DeleteRole(&iam.DeleteRoleInput{
		RoleName: aws.String(roleName),
	})
	return err
}

// NewIAMClient initializes a new IAMClient
func NewIAMClient() *IAMClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &IAMClient{
		iam.New(sess),
	}
}
