package extract

import "testing"

func TestIdentityThreeSpanLayout(t *testing.T) {
	html := `<span class="status-block-color"> Platinum </span>
<span class="text-truncate-md">Affiliate</span>
<span class="text-truncate-md">me@mail.test</span>
<span class="text-truncate-md">ID: 1234</span>`

	ident, err := Identity(html)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if ident.Status != "Platinum" {
		t.Fatalf("status want Platinum, got %q", ident.Status)
	}
	if ident.Email != "me@mail.test" {
		t.Fatalf("email want me@mail.test, got %q", ident.Email)
	}
	if ident.ID != "1234" {
		t.Fatalf("id 应去掉前缀, got %q", ident.ID)
	}
}

func TestIdentityTwoSpanLayout(t *testing.T) {
	html := `<span class="text-truncate-md">me@mail.test</span>
<span class="text-truncate-md">ID: 9</span>`

	ident, err := Identity(html)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if ident.Email != "me@mail.test" || ident.ID != "9" {
		t.Fatalf("two-span layout mis-parsed: %+v", ident)
	}
	if ident.Empty() {
		t.Fatal("parsed identity must not be empty")
	}
}

func TestFormTokenMissing(t *testing.T) {
	if _, err := FormToken(`<form></form>`); err == nil {
		t.Fatal("缺少 token 时应返回错误")
	}

	token, err := FormToken(`<input name="_token" value="abc">`)
	if err != nil || token != "abc" {
		t.Fatalf("token want abc, got %q err %v", token, err)
	}
}

func TestNeedsOTP(t *testing.T) {
	if !NeedsOTP(`<input name="one_time_password">`) {
		t.Fatal("otp input should be detected")
	}
	if NeedsOTP(`<input name="password">`) {
		t.Fatal("plain form must not demand otp")
	}
}

func TestErrorBanners(t *testing.T) {
	html := `<div class="alert-danger"><strong>Whoops!</strong><ul><li>Amount exceeds limit</li></ul></div>`
	banners := ErrorBanners(html)
	if len(banners) != 1 {
		t.Fatalf("want one banner, got %d", len(banners))
	}
	if banners[0] != "Whoops!: Amount exceeds limit" {
		t.Fatalf("unexpected banner text %q", banners[0])
	}
}

func TestPaymentRowsAndCleanAmount(t *testing.T) {
	html := `<div id="panel-1"><table>
<tr><th>ID</th></tr>
<tr><td data-label="ID">512</td><td data-label="Amount, $">$1'250.50</td><td data-label="Payment method">Wire</td></tr>
<tr><td data-label="ID">511</td><td data-label="Amount, $">$51</td><td data-label="Payment method">Wire</td></tr>
</table></div>`

	rows, err := PaymentRows(html)
	if err != nil {
		t.Fatalf("payment rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
	if rows[0].ID != "512" || rows[0].Amount != "1250.50" {
		t.Fatalf("first row mis-parsed: %+v", rows[0])
	}
	if rows[1].Amount != "51" {
		t.Fatalf("second row amount want 51, got %q", rows[1].Amount)
	}
}

func TestTopAffiliateRank(t *testing.T) {
	html := `<table>
<tr><td data-label="#">1</td><td data-label="Sum of deposits">$9'000</td></tr>
<tr class="bg-info-50"><td data-label="#">7</td><td data-label="Sum of deposits">$1'200</td></tr>
</table>`

	rank, ok := TopAffiliateRank(html)
	if !ok {
		t.Fatal("highlighted row should be found")
	}
	if rank.Position != "7" || rank.DepositsSum != "$1'200" {
		t.Fatalf("rank mis-parsed: %+v", rank)
	}

	if _, ok := TopAffiliateRank(`<table><tr><td>x</td></tr></table>`); ok {
		t.Fatal("no highlighted row means no rank")
	}
}
