package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/errkind"
)

const (
	buildMapArtifact    = "artifact/build_map.json"
	testResultsArtifact = "artifact/test-results.xml"

	defaultRequestTimeout = 2 * time.Minute
)

var versionRe = regexp.MustCompile(`\d+\.\d+\.\d+\.\d+`)

// VersionFromDisplayName mines a four-part version token out of a build
// display name, or returns "" when none is present.
func VersionFromDisplayName(displayName string) string {
	return versionRe.FindString(displayName)
}

// HTTPError reports a non-2xx response from the CI server.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("got HTTP %d from %s", e.Status, e.URL)
}

// Client talks to one Jenkins instance with basic auth. All GETs are
// idempotent and retried once on connection errors and 5xx responses
// with exponential backoff; credentials are held in memory only.
type Client struct {
	httpClient *retryablehttp.Client
	user       string
	token      string
	logger     *logrus.Entry
}

// NewClient builds a Jenkins client from process configuration.
func NewClient(user, token string, logger *logrus.Entry) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 1
	httpClient.RetryWaitMin = 2 * time.Second
	httpClient.RetryWaitMax = 30 * time.Second
	httpClient.HTTPClient.Timeout = defaultRequestTimeout
	httpClient.Logger = &retryableLogger{logger: logger}
	return &Client{
		httpClient: httpClient,
		user:       user,
		token:      token,
		logger:     logger,
	}
}

// ListBuilds returns the build numbers of jobURL strictly greater than
// minBuild, in ascending order.
func (c *Client) ListBuilds(ctx context.Context, jobURL string, minBuild int64) ([]int64, error) {
	endpoint, err := joinURL(jobURL, "api/json")
	if err != nil {
		return nil, err
	}
	endpoint += "?tree=builds[number]"

	var response struct {
		Builds []struct {
			Number int64 `json:"number"`
		} `json:"builds"`
	}
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}

	var builds []int64
	for _, build := range response.Builds {
		if build.Number > minBuild {
			builds = append(builds, build.Number)
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i] < builds[j] })
	return builds, nil
}

// GetBuildMap fetches the build-map artifact of one parent build: the
// module name to module build number mapping. A missing artifact is a
// fatal error for this build.
func (c *Client) GetBuildMap(ctx context.Context, jobURL string, buildNumber int64) (map[string]int64, error) {
	endpoint, err := joinURL(jobURL, fmt.Sprintf("%d/%s", buildNumber, buildMapArtifact))
	if err != nil {
		return nil, err
	}
	buildMap := map[string]int64{}
	if err := c.getJSON(ctx, endpoint, &buildMap); err != nil {
		return nil, err
	}
	return buildMap, nil
}

// GetArtifact streams the test-results artifact of one module build.
// The caller owns the returned reader and must close it.
func (c *Client) GetArtifact(ctx context.Context, jobURL string, buildNumber int64) (io.ReadCloser, error) {
	endpoint, err := joinURL(jobURL, fmt.Sprintf("%d/%s", buildNumber, testResultsArtifact))
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetDisplayName fetches the display name of one build, from which the
// poller mines a version token.
func (c *Client) GetDisplayName(ctx context.Context, jobURL string, buildNumber int64) (string, error) {
	endpoint, err := joinURL(jobURL, fmt.Sprintf("%d/api/json", buildNumber))
	if err != nil {
		return "", err
	}
	endpoint += "?tree=displayName"

	var response struct {
		DisplayName string `json:"displayName"`
	}
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return "", err
	}
	return response.DisplayName, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errkind.ForReason(errkind.ReasonConfig).WithError(err).Errorf("could not build request for %s", endpoint)
	}
	req.SetBasicAuth(c.user, c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.ForReason(errkind.ReasonShutdown).ForError(ctx.Err())
		}
		return nil, errkind.ForReason(errkind.ReasonTransient).WithError(err).Errorf("request to %s failed", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		httpErr := &HTTPError{Status: resp.StatusCode, URL: endpoint}
		reason := errkind.ReasonSourceDefect
		if resp.StatusCode >= 500 {
			reason = errkind.ReasonTransient
		}
		return nil, errkind.ForReason(reason).ForError(httpErr)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.ForReason(errkind.ReasonSourceDefect).WithError(err).Errorf("could not decode response from %s", endpoint)
	}
	return nil
}

func joinURL(base string, suffix string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", errkind.ForReason(errkind.ReasonConfig).WithError(err).Errorf("invalid job URL %q", base)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/" + suffix
	return parsed.String(), nil
}

// retryableLogger adapts retryablehttp's leveled logging onto logrus.
type retryableLogger struct {
	logger *logrus.Entry
}

func (l *retryableLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.WithField("detail", fmt.Sprint(keysAndValues...)).Error(msg)
}
func (l *retryableLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithField("detail", fmt.Sprint(keysAndValues...)).Info(msg)
}
func (l *retryableLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.WithField("detail", fmt.Sprint(keysAndValues...)).Debug(msg)
}
func (l *retryableLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.WithField("detail", fmt.Sprint(keysAndValues...)).Warn(msg)
}
