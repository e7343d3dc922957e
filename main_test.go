package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Viyatek/iap/receipt"
)

func TestTokenAndEntitlement(t *testing.T) {
	// mock the validation endpoint: any receipt resolves to an active yearly
	// subscription, so no shared secret is needed
	info, _ := json.Marshal([]map[string]string{{
		"product_id":      "sub.yearly",
		"expires_date_ms": strconv.FormatInt(time.Now().AddDate(1, 0, 0).UnixMilli(), 10),
	}})
	validation := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(receipt.Response{Status: 0, LatestReceiptInfo: info})
	}))
	defer validation.Close()

	cfg := Config{
		JWTSecret: "jwt secret",
		JWTPeriod: time.Hour,
	}
	rs := receipt.Service{ProductionURL: validation.URL}

	ts := httptest.NewServer(serveMux(cfg, rs))
	defer ts.Close()

	// get token
	resp := apicall(t, tokenRequest(t, ts.URL+"/token"))
	token, _ := resp["access_token"].(string)
	require.NotEmpty(t, token)
	require.Equal(t, "premium", resp["tier"])

	// use token
	req, err := http.NewRequest("GET", ts.URL+"/entitlement", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %v", token))

	resp = apicall(t, req)
	require.NotEmpty(t, resp["uid"])
	require.Equal(t, "premium", resp["user_status"])
}

func tokenRequest(t *testing.T, url string) *http.Request {
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)

	err := w.WriteField("identifier_for_vendor", "some-fictional-device-id")
	require.NoError(t, err)

	fw, err := w.CreateFormFile("receipt", "doesnt_matter_name.bin")
	require.NoError(t, err)
	fw.Write([]byte("cmVjZWlwdA=="))

	err = w.Close()
	require.NoError(t, err)

	req, err := http.NewRequest("POST", url, body)
	require.NoError(t, err)

	req.Header.Add("Content-Type", w.FormDataContentType())
	return req
}

func apicall(t *testing.T, req *http.Request) map[string]interface{} {
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respdump, err := httputil.DumpResponse(resp, true)
		require.NoError(t, err)
		t.Fatalf("unexpected api response\nresp:%s", respdump)
	}

	respmap := map[string]interface{}{}
	err = json.NewDecoder(resp.Body).Decode(&respmap)
	require.NoError(t, err)

	return respmap
}
