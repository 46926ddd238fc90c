package jira

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/aadiby/epic-dod-management/internal/config"
    "github.com/rs/zerolog"
)

// Client is the tracker collaborator: it fetches raw issue records from the
// Jira REST API. Normalization happens downstream; this layer only pages,
// retries, and decodes.
type Client struct {
    baseURL string
    token   string
    user    string
    pass    string
    http    *http.Client
    log     zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{
        baseURL: cfg.JiraBaseURL,
        token:   cfg.JiraPAT,
        user:    cfg.JiraEmail,
        pass:    cfg.JiraAPIKey,
        http:    &http.Client{Timeout: cfg.HTTPTimeout},
        log:     log,
    }
}

func (c *Client) BaseURL() string { return c.baseURL }

// SearchActiveSprintIssues pages through all issues in open sprints,
// optionally scoped to one project.
func (c *Client) SearchActiveSprintIssues(ctx context.Context, projectKey string) ([]map[string]any, error) {
    parts := []string{"sprint in openSprints()"}
    if strings.TrimSpace(projectKey) != "" {
        parts = append([]string{fmt.Sprintf("project = %s", strings.TrimSpace(projectKey))}, parts...)
    }
    jql := strings.Join(parts, " AND ") + " ORDER BY updated DESC"

    var out []map[string]any
    startAt := 0
    for {
        q := url.Values{}
        q.Set("jql", jql)
        q.Set("fields", "*all")
        q.Set("maxResults", "50")
        if startAt > 0 { q.Set("startAt", fmt.Sprint(startAt)) }
        page, err := c.doJSON(ctx, http.MethodGet, c.apiURL("/rest/api/2/search", q))
        if err != nil { return nil, err }
        arr, _ := page["issues"].([]any)
        if len(arr) == 0 { break }
        for _, it := range arr {
            if im, _ := it.(map[string]any); im != nil { out = append(out, im) }
        }
        if len(arr) < 50 { break }
        startAt += 50
    }
    return out, nil
}

// Issue fetches a single issue with full fields.
func (c *Client) Issue(ctx context.Context, key string) (map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    q := url.Values{}
    q.Set("fields", "*all")
    return c.doJSON(ctx, http.MethodGet, c.apiURL("/rest/api/2/issue/"+url.PathEscape(key), q))
}

// RemoteLinks returns the remote link objects attached to an issue.
func (c *Client) RemoteLinks(ctx context.Context, key string) ([]map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    u := c.apiURL("/rest/api/2/issue/"+url.PathEscape(key)+"/remotelink", nil)
    // This endpoint returns a bare array.
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil { return nil, err }
    c.authorize(req)
    resp, err := c.http.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        b, _ := io.ReadAll(resp.Body)
        return nil, fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
    }
    var out []map[string]any
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return nil, err }
    return out, nil
}

func (c *Client) apiURL(path string, q url.Values) string {
    base := strings.TrimRight(c.baseURL, "/")
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := base + path
    if len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

func (c *Client) authorize(req *http.Request) {
    if c.token != "" {
        req.Header.Set("Authorization", "Bearer "+c.token)
    } else if c.user != "" && c.pass != "" {
        req.SetBasicAuth(c.user, c.pass)
    }
}

func (c *Client) doJSON(ctx context.Context, method, u string) (map[string]any, error) {
    if c.baseURL == "" { return nil, errors.New("jira: empty baseURL") }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        out, retryable, err := c.attempt(ctx, method, u)
        if err == nil { return out, nil }
        if !retryable { return nil, err }
        lastErr = err
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, u string) (map[string]any, bool, error) {
    req, err := http.NewRequestWithContext(ctx, method, u, nil)
    if err != nil { return nil, false, err }
    c.authorize(req)
    resp, err := c.http.Do(req)
    if err != nil { return nil, true, err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        b, _ := io.ReadAll(resp.Body)
        apiErr := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
        // retry on 429/5xx only
        return nil, resp.StatusCode == 429 || resp.StatusCode >= 500, apiErr
    }
    var out map[string]any
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return nil, false, err }
    if out == nil { out = map[string]any{} }
    return out, false, nil
}
