package support

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/cucumber/godog"
)

func (tc *TestContext) theSegmentationServerIsRunning() error {
	return tc.StartServer()
}

func (tc *TestContext) iPostAnImageTo(w, h int, hex, path string) error {
	c, err := parseColor(hex)
	if err != nil {
		return err
	}
	var img bytes.Buffer
	if err := png.Encode(&img, solidFrame(w, h, c)); err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", "frame.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, tc.HTTPServer.URL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return tc.do(req)
}

func (tc *TestContext) iRequest(path string) error {
	req, err := http.NewRequest(http.MethodGet, tc.HTTPServer.URL+path, nil)
	if err != nil {
		return err
	}
	return tc.do(req)
}

func (tc *TestContext) do(req *http.Request) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing response body: %v\n", err)
		}
	}()

	tc.LastHTTPStatusCode = resp.StatusCode
	tc.LastHTTPHeaders = resp.Header
	tc.LastHTTPBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) theResponseStatusIs(code int) error {
	if tc.LastHTTPStatusCode != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, tc.LastHTTPStatusCode, tc.LastHTTPBody)
	}
	return nil
}

func (tc *TestContext) theResponseIsAPNGOfSize(w, h int) error {
	if ct := tc.LastHTTPHeaders.Get("Content-Type"); ct != "image/png" {
		return fmt.Errorf("expected image/png, got %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(tc.LastHTTPBody))
	if err != nil {
		return err
	}
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		return fmt.Errorf("expected %dx%d, got %dx%d", w, h, b.Dx(), b.Dy())
	}
	return nil
}

func (tc *TestContext) theResponseImageCenterIs(hex string) error {
	want, err := parseColor(hex)
	if err != nil {
		return err
	}
	img, err := png.Decode(bytes.NewReader(tc.LastHTTPBody))
	if err != nil {
		return err
	}
	b := img.Bounds()
	got := color.NRGBAModel.Convert(img.At(b.Dx()/2, b.Dy()/2)).(color.NRGBA)
	if got != want {
		return fmt.Errorf("center pixel is %v, want %v", got, want)
	}
	return nil
}

func (tc *TestContext) theJSONFieldIs(field, want string) error {
	var body map[string]any
	if err := json.Unmarshal(tc.LastHTTPBody, &body); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	v, ok := body[field]
	if !ok {
		return errors.New("field " + field + " missing")
	}
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("field %s is %q, want %q", field, got, want)
	}
	return nil
}

// RegisterServerSteps registers HTTP step definitions.
func (tc *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the segmentation server is running$`, tc.theSegmentationServerIsRunning)
	sc.Step(`^I POST a (\d+)x(\d+) "([^"]*)" image to "([^"]*)"$`, tc.iPostAnImageTo)
	sc.Step(`^I request "([^"]*)"$`, tc.iRequest)
	sc.Step(`^the response status is (\d+)$`, tc.theResponseStatusIs)
	sc.Step(`^the response is a PNG of size (\d+)x(\d+)$`, tc.theResponseIsAPNGOfSize)
	sc.Step(`^the response image center is "([^"]*)"$`, tc.theResponseImageCenterIs)
	sc.Step(`^the JSON field "([^"]*)" is "([^"]*)"$`, tc.theJSONFieldIs)
}
